package bundle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"agent-relay/internal/domain"
)

// The fixed member set of a session's blob bundle. A bundle is either absent
// or complete; partial bundles are never handed to a worker.
const (
	MemberTranscript = "transcript.jsonl"
	MemberDebugLog   = "debug.log"
	MemberTasks      = "tasks.json"
)

// Members lists the bundle member names in upload order.
var Members = []string{MemberTranscript, MemberDebugLog, MemberTasks}

var (
	// ErrNotFound means no bundle exists for the session: a new session, or
	// one whose bundle aged out of retention independently of the registry.
	ErrNotFound = errors.New("bundle: not found")

	// ErrIncomplete means only some members exist, e.g. a crash mid-write
	// before the lock protocol was honored. Callers treat it like ErrNotFound
	// for processing purposes.
	ErrIncomplete = errors.New("bundle: incomplete")
)

// s3API is the minimal S3 interface required by Store.
type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Store synchronizes blob bundles with an S3 bucket. Bucket retention must
// be configured strictly longer than the session registry TTL.
type Store struct {
	api    s3API
	bucket string
}

// New creates a bundle Store.
func New(api s3API, bucket string) (*Store, error) {
	if api == nil {
		return nil, errors.New("bundle: api must not be nil")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("bundle: bucket must not be empty")
	}
	return &Store{api: api, bucket: bucket}, nil
}

func memberKey(sessionID, member string) string {
	return fmt.Sprintf("sessions/%s/%s", sessionID, member)
}

// Download fetches all bundle members for a session. It returns ErrNotFound
// when no member exists, and ErrIncomplete together with the members it did
// find when only some exist.
func (s *Store) Download(ctx context.Context, sessionID string) (domain.WorkspaceSnapshot, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, errors.New("bundle: session ID must not be empty")
	}

	snapshot := make(domain.WorkspaceSnapshot, len(Members))
	for _, member := range Members {
		data, err := s.getMember(ctx, sessionID, member)
		if err != nil {
			if isNoSuchKey(err) {
				continue
			}
			return nil, fmt.Errorf("bundle: download %s: %w", member, err)
		}
		snapshot[member] = data
	}

	switch len(snapshot) {
	case 0:
		return nil, ErrNotFound
	case len(Members):
		return snapshot, nil
	default:
		return snapshot, ErrIncomplete
	}
}

// Upload writes the full member set for a session. Members absent from the
// snapshot are written as empty objects so a stored bundle is always
// complete. Callers hold the session lock for the duration.
func (s *Store) Upload(ctx context.Context, sessionID string, snapshot domain.WorkspaceSnapshot) error {
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("bundle: session ID must not be empty")
	}

	for _, member := range Members {
		data := snapshot[member]
		_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(memberKey(sessionID, member)),
			Body:   bytes.NewReader(data),
		})
		if err != nil {
			return fmt.Errorf("bundle: upload %s: %w", member, err)
		}
	}
	return nil
}

func (s *Store) getMember(ctx context.Context, sessionID, member string) ([]byte, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(memberKey(sessionID, member)),
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return data, nil
}

func isNoSuchKey(err error) bool {
	var nsk *s3types.NoSuchKey
	return errors.As(err, &nsk)
}
