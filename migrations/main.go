// Command migrations creates the tables and, optionally, seeds rooms.
//
//	go run ./migrations -config config.json -rooms "lobby,arena"
package main

import (
	"flag"
	"strings"

	"diceserver/database"
	"diceserver/utils"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON configuration file")
	rooms := flag.String("rooms", "", "comma separated room names to create")
	flag.Parse()

	config, err := database.LoadConfig(*configPath)
	if err != nil {
		panic(err)
	}
	logger, err := utils.InitLogger(config)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	db, err := database.InitPostgreSQL(config, logger)
	if err != nil {
		logger.Fatal("PostgreSQLの初期化に失敗しました", zap.Error(err))
	}

	if err := database.AutoMigrate(db); err != nil {
		logger.Fatal("マイグレーションに失敗しました", zap.Error(err))
	}
	logger.Info("テーブルの作成が完了しました")

	var names []string
	for _, name := range strings.Split(*rooms, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return
	}
	n, err := database.SeedRooms(db, names)
	if err != nil {
		logger.Fatal("ルームの作成に失敗しました", zap.Error(err))
	}
	logger.Info("ルームを作成しました", zap.Int("created", n), zap.Strings("rooms", names))
}
