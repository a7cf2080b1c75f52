package restaurant

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/nao1215/ordernotify/internal/domain"
)

// acceptStep は受付処理の1ステップ。fromの状態から実行し、成功するとtoに進む。
type acceptStep struct {
	name   string
	from   string
	to     string
	action func(ctx context.Context, intent *domain.AcceptIntent) error
}

// acceptSteps はアーカイブ→ステータス更新→削除の順で実行する。
// 削除を最後に置くことで、途中で失敗しても注文が失われることはない。
func (s *Service) acceptSteps() []acceptStep {
	return []acceptStep{
		{
			name: "archive",
			from: domain.AcceptStepPending,
			to:   domain.AcceptStepArchived,
			action: func(ctx context.Context, intent *domain.AcceptIntent) error {
				return s.store.ArchiveOrder(ctx, intent.Order.Archived())
			},
		},
		{
			name: "update_status",
			from: domain.AcceptStepArchived,
			to:   domain.AcceptStepStatusUpdated,
			action: func(ctx context.Context, intent *domain.AcceptIntent) error {
				return s.store.UpdateOrderStatus(ctx, intent.OrderID, domain.StatusWaitingForDeliveryBoy, s.now())
			},
		},
		{
			name: "delete_original",
			from: domain.AcceptStepStatusUpdated,
			to:   domain.AcceptStepCompleted,
			action: func(ctx context.Context, intent *domain.AcceptIntent) error {
				err := s.store.DeleteOrder(ctx, intent.OrderID)
				if errors.Is(err, domain.ErrNotFound) {
					// 再開時や同時受付で既に削除済みの場合
					return nil
				}
				return err
			},
		},
	}
}

// AcceptOrder は注文を受付済みにする。
// 注文が存在しない場合はNotFoundErrorを返し、ストアは変更しない。
func (s *Service) AcceptOrder(ctx context.Context, orderID string) error {
	if orderID == "" {
		return domain.Validation("accept-order", "orderId is required")
	}
	order, err := s.store.GetOrder(ctx, orderID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.NotFound("accept-order", "Order not found")
	}
	if err != nil {
		return domain.Store("accept-order", err)
	}

	intent, err := s.store.BeginAccept(ctx, order)
	if err != nil {
		return domain.Store("accept-order", err)
	}
	log.Printf("[Accept] 注文の受付を開始: orderId=%s, journal=%s", orderID, intent.ID)

	if err := s.resume(ctx, intent); err != nil {
		return domain.Store("accept-order", err)
	}
	log.Printf("[Accept] 注文を受付済みにしました: orderId=%s", orderID)
	return nil
}

// RecoverPendingAccepts は未完了の受付処理を記録済みのステップから再開し、完了した件数を返す。
// 起動時に呼び出す。
func (s *Service) RecoverPendingAccepts(ctx context.Context) (int, error) {
	intents, err := s.store.ListPendingAccepts(ctx)
	if err != nil {
		return 0, domain.Store("recover-accepts", err)
	}

	var (
		recovered int
		errs      []error
	)
	for i := range intents {
		intent := &intents[i]
		log.Printf("[Accept] 未完了の受付を再開: orderId=%s, step=%s", intent.OrderID, intent.Step)
		if err := s.resume(ctx, intent); err != nil {
			errs = append(errs, err)
			continue
		}
		recovered++
	}
	if len(errs) > 0 {
		return recovered, domain.Store("recover-accepts", errors.Join(errs...))
	}
	return recovered, nil
}

// resume はジャーナルの現在のステップ以降を順に実行する。
func (s *Service) resume(ctx context.Context, intent *domain.AcceptIntent) error {
	if intent.Order == nil {
		return fmt.Errorf("ジャーナル%sに注文のスナップショットが無い", intent.ID)
	}
	started := false
	for _, step := range s.acceptSteps() {
		if !started && step.from != intent.Step {
			continue
		}
		started = true
		if err := s.executeStep(ctx, intent, step); err != nil {
			return err
		}
	}
	if !started && intent.Step != domain.AcceptStepCompleted {
		return fmt.Errorf("不明なジャーナルステップ: %s", intent.Step)
	}
	return nil
}

// executeStep はステップを実行し、成功したらジャーナルを進める。
func (s *Service) executeStep(ctx context.Context, intent *domain.AcceptIntent, step acceptStep) error {
	if err := step.action(ctx, intent); err != nil {
		log.Printf("[Accept] ステップ実行エラー: orderId=%s, step=%s, error=%v", intent.OrderID, step.name, err)
		return fmt.Errorf("%sに失敗: %w", step.name, err)
	}
	var err error
	if step.to == domain.AcceptStepCompleted {
		err = s.store.CompleteAccept(ctx, intent.ID)
	} else {
		err = s.store.AdvanceAccept(ctx, intent.ID, step.to)
	}
	if err != nil {
		log.Printf("[Accept] ジャーナル記録エラー: orderId=%s, step=%s, error=%v", intent.OrderID, step.name, err)
		return fmt.Errorf("ジャーナルの更新に失敗: %w", err)
	}
	intent.Step = step.to
	return nil
}
