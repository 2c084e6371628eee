package wasmruntime

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/edgehop/proxy/internal/event"
)

// Descriptor is a destination component as configured (§3 Component
// Descriptor / config.ComponentConfig decoded into runtime form).
type Descriptor struct {
	ID                    string
	File                  string // local filesystem path or s3://bucket/key
	WitVersion            string
	Settings              map[string]string
	Credentials           map[string]string
	EnabledEventTypes     map[event.Type]bool
	DefaultConsent        event.Consent
	AnonymizationRequired bool
	ForwardClientHeaders  bool
	TraceComponent        bool
}

// EventTypeEnabled reports whether this component accepts the given event
// type (§4.L step 1). An empty EnabledEventTypes means all types pass.
func (d Descriptor) EventTypeEnabled(t event.Type) bool {
	if len(d.EnabledEventTypes) == 0 {
		return true
	}
	return d.EnabledEventTypes[t]
}

// supportsAuth reports whether this component's wit_version is new enough
// to carry the optional require-auth/authenticate exports (§4.K, >= 1.0.1).
func (d Descriptor) supportsAuth() bool {
	return witVersionAtLeast(d.WitVersion, "1.0.1")
}

// witVersionAtLeast does a lexicographic dotted-triple comparison; wit
// versions in this system are always well-formed major.minor.patch.
func witVersionAtLeast(v, floor string) bool {
	vp := splitVersion(v)
	fp := splitVersion(floor)
	for i := 0; i < 3; i++ {
		if vp[i] != fp[i] {
			return vp[i] > fp[i]
		}
	}
	return true
}

func splitVersion(v string) [3]int {
	var out [3]int
	parts := strings.SplitN(v, ".", 3)
	for i := 0; i < len(parts) && i < 3; i++ {
		n := 0
		for _, c := range parts[i] {
			if c < '0' || c > '9' {
				n = 0
				break
			}
			n = n*10 + int(c-'0')
		}
		out[i] = n
	}
	return out
}

// loadBinary reads a component's WASM bytes from a local path or, when
// File starts with "s3://", from an S3-compatible object store — the same
// lazy, loaded-once-at-startup pattern the teacher uses for recordings.
func loadBinary(ctx context.Context, s3Client s3API, file string) ([]byte, error) {
	if strings.HasPrefix(file, "s3://") {
		bucket, key, ok := splitS3URL(file)
		if !ok {
			return nil, fmt.Errorf("wasmruntime: malformed s3 url %q", file)
		}
		if s3Client == nil {
			return nil, fmt.Errorf("wasmruntime: no S3 client configured for %q", file)
		}
		out, err := s3Client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
		if err != nil {
			return nil, fmt.Errorf("wasmruntime: fetching %q: %w", file, err)
		}
		defer out.Body.Close()
		return io.ReadAll(out.Body)
	}
	return os.ReadFile(file)
}

func splitS3URL(u string) (bucket, key string, ok bool) {
	rest := strings.TrimPrefix(u, "s3://")
	idx := strings.IndexByte(rest, '/')
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}

// s3API is the subset of the S3 client the component loader uses,
// mirroring the teacher's S3API seam for test doubles.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// NewS3Client builds an AWS S3 client from the standard credential chain,
// or from static credentials when both are supplied — same knobs as the
// teacher's NewS3Store.
func NewS3Client(ctx context.Context, region, endpoint, accessKeyID, secretAccessKey string) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKeyID != "" && secretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("wasmruntime: loading AWS config: %w", err)
	}
	var s3Opts []func(*s3.Options)
	if endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}
	return s3.NewFromConfig(cfg, s3Opts...), nil
}
