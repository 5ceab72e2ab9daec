// Package export uploads completed run results to MinIO.
package export

// File: internal/export/export.go
// Purpose: Render step records as CSV and store them under runs/<id>/steps.csv.

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"simdash/internal/models"
)

// Config selects the MinIO endpoint and bucket.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Exporter writes run results into one bucket.
type Exporter struct {
	mc     *minio.Client
	bucket string
}

var csvHeader = []string{
	"step",
	"date",
	"avg_purchases_cust1",
	"avg_purchases_cust2",
	"total_daily_purchases",
	"total_customers",
	"total_products",
	"stockout_rate_pct",
}

// New creates a MinIO-backed exporter.
func New(cfg Config) (*Exporter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("minio access key and secret key are required")
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "simulation-runs"
	}
	return &Exporter{mc: mc, bucket: bucket}, nil
}

// EnsureBucket creates the bucket when missing.
func (e *Exporter) EnsureBucket(ctx context.Context) error {
	exists, err := e.mc.BucketExists(ctx, e.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := e.mc.MakeBucket(ctx, e.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
	}
	return nil
}

// Export uploads steps as CSV and returns the object key.
func (e *Exporter) Export(ctx context.Context, runID string, steps []models.StepRecord) (string, error) {
	body, err := RenderCSV(steps)
	if err != nil {
		return "", err
	}
	key := ObjectKey(runID)
	_, err = e.mc.PutObject(ctx, e.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "text/csv",
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return key, nil
}

// ObjectKey is where a run's CSV lives in the bucket.
func ObjectKey(runID string) string {
	return "runs/" + runID + "/steps.csv"
}

// RenderCSV encodes steps with a header row.
func RenderCSV(steps []models.StepRecord) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for _, s := range steps {
		row := []string{
			strconv.Itoa(s.Step),
			s.Date,
			formatFloat(s.AvgPurchasesCust1),
			formatFloat(s.AvgPurchasesCust2),
			strconv.Itoa(s.TotalDailyPurchases),
			strconv.Itoa(s.TotalCustomers),
			strconv.Itoa(s.TotalProducts),
			formatFloat(s.StockoutRatePct),
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
