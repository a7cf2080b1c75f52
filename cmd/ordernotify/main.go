// 注文通知サービスのエントリポイント。
// 注文ストアの変更フィードを購読して新規注文をレストランにプッシュ通知し、
// レストランアプリ向けのHTTP APIを提供する。
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/ordernotify/internal/config"
	"github.com/nao1215/ordernotify/internal/dispatch"
	"github.com/nao1215/ordernotify/internal/listener"
	"github.com/nao1215/ordernotify/internal/restaurant"
	"github.com/nao1215/ordernotify/internal/server"
	"github.com/nao1215/ordernotify/internal/store"
	"github.com/nao1215/ordernotify/internal/store/mongo"
	"github.com/nao1215/ordernotify/internal/store/postgres"
	"github.com/nao1215/ordernotify/internal/store/sqlite"
	"github.com/nao1215/ordernotify/pkg/change"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("注文通知サービスの実行に失敗: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Printf("ストアのクローズに失敗: %v", err)
		}
	}()

	provider, err := newProvider(ctx, cfg)
	if err != nil {
		return err
	}
	if c, ok := provider.(io.Closer); ok {
		defer func() { _ = c.Close() }()
	}
	dispatcher := dispatch.New(provider, dispatch.WithTimeout(cfg.DispatchTimeout))

	svc := restaurant.NewService(st)
	if n, err := svc.RecoverPendingAccepts(ctx); err != nil {
		log.Printf("未完了の受付の再開に失敗: %v", err)
	} else if n > 0 {
		log.Printf("未完了の受付を%d件再開しました", n)
	}

	l := listener.New(st, st, dispatcher,
		listener.WithResubscribeBackoff(cfg.ResubscribeBackoff),
		listener.WithOutcomeHook(func(ev *change.Event, out listener.Outcome) {
			if out == listener.OutcomeDispatchFailed || out == listener.OutcomePanicked {
				log.Printf("[Listener] イベント処理結果: id=%s, outcome=%s", ev.ID, out)
			}
		}),
	)
	if err := l.Start(ctx); err != nil {
		return fmt.Errorf("注文リスナーの開始に失敗: %w", err)
	}

	srv := server.New(svc, server.Config{
		Port:           cfg.Port,
		JWTSecret:      cfg.JWTSecret,
		JWTTTL:         cfg.JWTTTL,
		RequireAuth:    cfg.RequireAuth,
		AllowedOrigins: cfg.CORSAllowedOrigins,
	})
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Run()
	}()
	log.Printf("注文通知サービスを起動します: :%s, store=%s, provider=%s", cfg.Port, cfg.StoreDriver, provider.Name())

	var runErr error
	select {
	case <-ctx.Done():
		log.Println("シャットダウンを開始します")
	case runErr = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if sErr := srv.Shutdown(shutdownCtx); sErr != nil {
		log.Printf("HTTPサーバーの停止に失敗: %v", sErr)
	}
	if sErr := l.Stop(shutdownCtx); sErr != nil {
		log.Printf("注文リスナーの停止に失敗: %v", sErr)
	}
	log.Println("注文通知サービスを停止しました")
	return runErr
}

// openStore は設定されたドライバのストアを開く。
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		return sqlite.Open(ctx, cfg.SQLitePath,
			sqlite.WithPollInterval(cfg.FeedPollInterval),
			sqlite.WithEventRetention(cfg.EventRetention),
		)
	case config.DriverPostgres:
		return postgres.Open(ctx, cfg.DatabaseURL,
			postgres.WithPollInterval(cfg.FeedPollInterval),
			postgres.WithEventRetention(cfg.EventRetention),
		)
	case config.DriverMongo:
		return mongo.Open(ctx, cfg.MongoURI, cfg.MongoDatabase, mongo.Collections{
			Profiles: cfg.MongoProfilesCollection,
			Orders:   cfg.MongoOrdersCollection,
			Archive:  cfg.MongoArchiveCollection,
			Statuses: cfg.MongoStatusCollection,
			Journal:  cfg.MongoJournalCollection,
		})
	default:
		return nil, fmt.Errorf("不明なストア: %s", cfg.StoreDriver)
	}
}

// newProvider は設定されたプッシュ配信プロバイダを生成する。
// FCMの認証情報が無い場合はログ出力のみのプロバイダを使う。
func newProvider(ctx context.Context, cfg *config.Config) (dispatch.Provider, error) {
	switch cfg.PushProvider {
	case config.ProviderFCM:
		if cfg.FirebaseCredentialsFile == "" {
			log.Println("FIREBASE_CREDENTIALS_FILE が未設定のため通知はログ出力のみになります")
			return dispatch.LogProvider{}, nil
		}
		if _, err := os.Stat(cfg.FirebaseCredentialsFile); errors.Is(err, os.ErrNotExist) {
			log.Printf("Firebaseの認証情報が見つからないため通知はログ出力のみになります: %s", cfg.FirebaseCredentialsFile)
			return dispatch.LogProvider{}, nil
		}
		return dispatch.NewFCMProvider(ctx, cfg.FirebaseCredentialsFile)
	case config.ProviderRelay:
		return dispatch.NewRelayProvider(cfg.PushRelayURL, cfg.PushRelayAPIKey, cfg.DispatchTimeout), nil
	case config.ProviderAMQP:
		return dispatch.NewAMQPProvider(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPRoutingKey)
	case config.ProviderTelegram:
		return dispatch.NewTelegramProvider(cfg.TelegramToken)
	case config.ProviderLog:
		return dispatch.LogProvider{}, nil
	default:
		return nil, fmt.Errorf("不明なプッシュ配信プロバイダ: %s", cfg.PushProvider)
	}
}
