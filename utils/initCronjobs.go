package utils

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type FinishedGameCleaner interface {
	DeleteFinishedGamesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CronCleaner は保持期間を過ぎた終了済みゲームを毎日削除します。
// 戻り値の cron.Cron は呼び出し側で Stop すること。
func CronCleaner(store FinishedGameCleaner, retention time.Duration, logger *zap.Logger) (*cron.Cron, error) {
	c := cron.New()

	// "分 時 日 月 曜日"
	_, err := c.AddFunc("0 3 * * *", func() {
		CleanFinishedGames(store, retention, logger)
	})
	if err != nil {
		return nil, err
	}

	c.Start()
	return c, nil
}

func CleanFinishedGames(store FinishedGameCleaner, retention time.Duration, logger *zap.Logger) {
	logger.Info("終了済みゲームを削除する処理を開始")
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n, err := store.DeleteFinishedGamesBefore(ctx, time.Now().Add(-retention))
	if err != nil {
		logger.Error("終了済みゲームの削除に失敗しました", zap.Error(err))
		return
	}
	logger.Info("終了済みゲームの削除完了", zap.Int64("games_deleted", n))
}
