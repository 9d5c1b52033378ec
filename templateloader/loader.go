// Package templateloader mirrors the per-tenant UI templates from the
// tenant's object store into a local views directory. It reacts to tenant
// lifecycle events from the entity store; operations are serialized through
// a single worker, so every (tenant, operation) pair is processed exactly
// once and in order.
package templateloader

import (
	"context"
	"errors"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/uitsmijter/uitsmijter/entities"
	"github.com/uitsmijter/uitsmijter/pkg/log"
)

// templateFiles is the fixed set fetched for every tenant.
var templateFiles = []string{"index.html", "login.html", "logout.html", "error.html"}

const fetchTimeout = 30 * time.Second

// S3Client is the subset of the S3 API the loader needs. Narrow on purpose
// so tests can substitute a fake.
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// ClientFactory builds an object-store client from a tenant's template
// coordinates.
type ClientFactory func(ctx context.Context, spec *entities.TemplateSpec) (S3Client, error)

type opKind int

const (
	opCreate opKind = iota
	opRemove
)

type op struct {
	kind   opKind
	tenant entities.Tenant
}

// Loader downloads tenant templates. It implements entities.TenantLifecycle.
type Loader struct {
	viewsDir  string
	logger    log.Logger
	newClient ClientFactory

	ops       chan op
	done      chan struct{}
	closeOnce sync.Once
}

var _ entities.TenantLifecycle = (*Loader)(nil)

// New starts a loader writing below viewsDir.
func New(viewsDir string, logger log.Logger) *Loader {
	return NewWithFactory(viewsDir, logger, newS3Client)
}

// NewWithFactory starts a loader with a custom object-store client factory.
func NewWithFactory(viewsDir string, logger log.Logger, factory ClientFactory) *Loader {
	l := &Loader{
		viewsDir:  viewsDir,
		logger:    logger,
		newClient: factory,
		ops:       make(chan op, 64),
		done:      make(chan struct{}),
	}
	go l.work()
	return l
}

// TenantCreated enqueues the template download for a new tenant.
func (l *Loader) TenantCreated(t entities.Tenant) {
	l.ops <- op{kind: opCreate, tenant: t}
}

// TenantRemoved enqueues the removal of the tenant's template directory.
func (l *Loader) TenantRemoved(t entities.Tenant) {
	l.ops <- op{kind: opRemove, tenant: t}
}

// Close drains pending operations and stops the worker. Safe to call more
// than once.
func (l *Loader) Close() {
	l.closeOnce.Do(func() { close(l.ops) })
	<-l.done
}

func (l *Loader) work() {
	defer close(l.done)
	for o := range l.ops {
		switch o.kind {
		case opCreate:
			l.create(o.tenant)
		case opRemove:
			l.remove(o.tenant)
		}
	}
}

func (l *Loader) create(t entities.Tenant) {
	spec := t.Config.Templates
	if spec == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	client, err := l.newClient(ctx, spec)
	if err != nil {
		l.logger.Errorf("templates for %s: cannot reach object store: %v", t.Name, err)
		return
	}

	dir := filepath.Join(l.viewsDir, t.Slug())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		l.logger.Errorf("templates for %s: %v", t.Name, err)
		return
	}

	for _, name := range templateFiles {
		key := path.Join(spec.Path, name)
		out, err := client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(spec.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			var noKey *types.NoSuchKey
			if errors.As(err, &noKey) {
				l.logger.Warnf("templates for %s: %s missing, skipping", t.Name, key)
				continue
			}
			l.logger.Errorf("templates for %s: fetch %s: %v", t.Name, key, err)
			continue
		}
		data, err := io.ReadAll(out.Body)
		out.Body.Close()
		if err != nil {
			l.logger.Errorf("templates for %s: read %s: %v", t.Name, key, err)
			continue
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			l.logger.Errorf("templates for %s: write %s: %v", t.Name, name, err)
		}
	}
	l.logger.Infof("templates for %s stored in %s", t.Name, dir)
}

func (l *Loader) remove(t entities.Tenant) {
	dir := filepath.Join(l.viewsDir, t.Slug())
	if err := os.RemoveAll(dir); err != nil {
		l.logger.Errorf("templates for %s: remove %s: %v", t.Name, dir, err)
		return
	}
	l.logger.Infof("templates for %s removed", t.Name)
}

func newS3Client(ctx context.Context, spec *entities.TemplateSpec) (S3Client, error) {
	region := spec.Region
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(spec.AccessKeyID, spec.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if spec.Host != "" {
			o.BaseEndpoint = aws.String(spec.Host)
			o.UsePathStyle = true
		}
	}), nil
}
