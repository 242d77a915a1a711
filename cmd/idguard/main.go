// Command idguard 启动认证安全服务
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"

	"github.com/dormoron/idguard/config"
	"github.com/dormoron/idguard/observability/logging"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径，为空时自动查找 idguard.yaml")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	a, err := build(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer a.close()

	if err = a.run(ctx); err != nil {
		a.logger.Error("服务异常退出", map[string]interface{}{logging.FieldError: err})
		a.close()
		os.Exit(1)
	}
}
