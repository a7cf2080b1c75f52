package listener

// Outcome は1件のイベントの処理結果。
type Outcome int

const (
	// OutcomeIgnored は挿入以外のイベント。
	OutcomeIgnored Outcome = iota
	// OutcomeInvalid は注文ドキュメントとして解釈できないイベント。
	OutcomeInvalid
	// OutcomeNoOwner はrestIdを持たない注文。
	OutcomeNoOwner
	// OutcomeNoProfile は所有者のプロフィールが存在しない注文。
	OutcomeNoProfile
	// OutcomeNoToken は所有者に配信先トークンが無い注文。
	OutcomeNoToken
	// OutcomeLookupFailed はプロフィール検索に失敗した注文。
	OutcomeLookupFailed
	// OutcomeDispatched は通知を送信した注文。
	OutcomeDispatched
	// OutcomeDispatchFailed は通知の送信に失敗した注文。
	OutcomeDispatchFailed
	// OutcomePanicked は処理中にパニックが発生したイベント。
	OutcomePanicked
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIgnored:
		return "ignored"
	case OutcomeInvalid:
		return "invalid"
	case OutcomeNoOwner:
		return "no_owner"
	case OutcomeNoProfile:
		return "no_profile"
	case OutcomeNoToken:
		return "no_token"
	case OutcomeLookupFailed:
		return "lookup_failed"
	case OutcomeDispatched:
		return "dispatched"
	case OutcomeDispatchFailed:
		return "dispatch_failed"
	case OutcomePanicked:
		return "panicked"
	default:
		return "unknown"
	}
}
