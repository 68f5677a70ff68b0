// Command token は参照API用のJWTを発行して標準出力に書き出します。
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	jwtmw "candle_sync/internal/platform/jwt"
)

func main() {
	subject := flag.String("sub", "", "client name stored in the sub claim")
	ttl := flag.Duration("ttl", 30*24*time.Hour, "token lifetime")
	flag.Parse()

	// .envを読み込む
	if err := godotenv.Load(); err != nil {
		slog.Info(".env not found; using system environment variables")
	}

	token, err := jwtmw.NewGenerator(os.Getenv("JWT_SECRET"), *ttl).GenerateToken(*subject)
	if err != nil {
		slog.Error("failed to issue token", "error", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
