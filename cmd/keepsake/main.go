package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/sync/errgroup"

	"keepsake/internal/blob"
	"keepsake/internal/files"
	"keepsake/internal/server"
	"keepsake/internal/users"
)

// getenv returns the value of the environment variable named by key or
// fallback if the variable is not present.
func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func Run(ctx context.Context) error {

	listenPort := flag.String("listen", getenv("KEEPSAKE_PORT", "8080"), "HTTP listen port")
	bucket := flag.String("bucket", getenv("KEEPSAKE_BUCKET", "keepsake"), "object storage bucket name")
	baseURL := flag.String("base-url", getenv("KEEPSAKE_BASE_URL", ""), "public base URL for file links")
	endpoint := flag.String("endpoint", getenv("MINIO_ENDPOINT", "localhost:9000"), "object storage endpoint")
	accessKey := flag.String("access-key", getenv("MINIO_ACCESS_KEY", "minioadmin"), "object storage access key")
	secretKey := flag.String("secret-key", getenv("MINIO_SECRET_KEY", "minioadmin"), "object storage secret key")
	useTLS := flag.Bool("tls", getenv("MINIO_USE_TLS", "") != "", "connect to object storage over TLS")
	dataDir := flag.String("data-dir", getenv("KEEPSAKE_DATA_DIR", ""), "store blobs on the local filesystem instead of object storage")
	jwtSecret := flag.String("jwt-secret", getenv("KEEPSAKE_JWT_SECRET", ""), "secret used to sign login tokens")

	flag.Parse()

	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           log.DebugLevel,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    true,
	})

	slog.SetDefault(slog.New(handler))

	if *jwtSecret == "" {
		return errors.New("a JWT secret is required, set KEEPSAKE_JWT_SECRET or pass -jwt-secret")
	}

	if *baseURL == "" {
		scheme := "http"
		if *useTLS {
			scheme = "https"
		}
		*baseURL = fmt.Sprintf("%s://%s/%s", scheme, *endpoint, *bucket)
	}

	var store blob.Store
	if *dataDir != "" {
		absDataDir, err := filepath.Abs(*dataDir)
		if err != nil {
			return fmt.Errorf("failed to resolve data directory: %w", err)
		}

		if err := os.MkdirAll(absDataDir, 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		store = blob.NewLocalStore(absDataDir)
		slog.Info("Using local filesystem storage", "dir", absDataDir)
	} else {
		client, err := minio.New(*endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(*accessKey, *secretKey, ""),
			Secure: *useTLS,
		})
		if err != nil {
			return fmt.Errorf("failed to create object storage client: %w", err)
		}

		minioStore := blob.NewMinioStore(client, *bucket)
		if err := minioStore.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("failed to ensure bucket %q: %w", *bucket, err)
		}
		store = minioStore
	}

	srv := server.New(server.Config{
		Files: files.NewService(store, *baseURL),
		Users: users.NewService(store, []byte(*jwtSecret), 24*time.Hour),
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", *listenPort),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 20 * time.Second,
		ReadTimeout:       20 * time.Second,
		WriteTimeout:      20 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		slog.Info("Starting Keepsake HTTP server", "port", *listenPort, "bucket", *bucket)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	slog.Info("Keepsake Started")
	return eg.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx); err != nil {
		slog.Error("Keepsake exited with error", "error", err)
		os.Exit(1)
	}
}
