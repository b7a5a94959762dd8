// Package archive stores accident reports as JSON objects in an S3
// compatible bucket.
package archive

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/autopeer-io/v2x/internal/telemetry"
	"github.com/autopeer-io/v2x/pkg/log"
	"github.com/autopeer-io/v2x/pkg/options"
)

// Prefix is the key prefix of every archived report.
const Prefix = "accidents"

// Archive writes accident reports to one bucket.
type Archive struct {
	client     *minio.Client
	bucketName string
}

// New returns an Archive for the store described by opts.
func New(opts *options.S3Options) (*Archive, error) {
	minioOpts := &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	}
	if opts.InsecureSkipVerify {
		minioOpts.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
		}
	}

	client, err := minio.New(opts.Endpoint, minioOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &Archive{client: client, bucketName: opts.BucketName}, nil
}

// CheckBucket creates the bucket when it does not exist yet.
func (a *Archive) CheckBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		log.Info("Bucket does not exist, creating...", "bucket", a.bucketName)
		if err := a.client.MakeBucket(ctx, a.bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

// Archive uploads r under ObjectKey(r).
func (a *Archive) Archive(ctx context.Context, r telemetry.AccidentReport) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}

	_, err = a.client.PutObject(ctx, a.bucketName, ObjectKey(r), bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("failed to upload accident report: %w", err)
	}
	return nil
}

// ObjectKey is accidents/{vehicleId}/{unix-nano}-{id}.json. Both the vehicle
// id and the report id are escaped into single path segments.
func ObjectKey(r telemetry.AccidentReport) string {
	name := strconv.FormatInt(r.Timestamp*1_000_000, 10)
	if r.ID != "" {
		name += "-" + segment(r.ID)
	}
	return path.Join(Prefix, segment(r.VehicleID), name+".json")
}

func segment(s string) string {
	s = url.PathEscape(s)
	if s == "." || s == ".." {
		return strings.ReplaceAll(s, ".", "%2E")
	}
	return s
}
