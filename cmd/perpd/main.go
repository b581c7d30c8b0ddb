// 文件: cmd/perpd/main.go
// 永续合约服务
//
//	go run ./cmd/perpd -config configs/perpd.yaml
//
// 不带 -config 时使用纯内存默认配置 (无产品、无价格)

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"perpx.com/pkg/config"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	configPath := flag.String("config", "", "path to YAML config")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("[Main] load config: %v", err)
		}
		cfg = loaded
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg)
	if err != nil {
		log.Fatalf("[Main] init: %v", err)
	}
	app.start(ctx)
	log.Printf("[Main] perpd started: http=%s ledger=%s db=%s", cfg.HTTP.Addr, cfg.Fund.Ledger, cfg.Database.Driver)

	<-ctx.Done()
	log.Println("[Main] shutting down...")
	app.shutdown()
	log.Println("[Main] stopped")
}
