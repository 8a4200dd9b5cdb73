// Package ses implements a Forwarder that re-sends raw messages via AWS SES v2.
package ses

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/emersion/go-message/textproto"

	"github.com/shineum/loomio-relay/internal/email"
)

// Config holds the configuration for creating a Forwarder.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Sender must be an SES-verified identity; it replaces the original From.
	Sender string
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Forwarder re-sends inbound messages through SES.
type Forwarder struct {
	sender string
	client SendEmailAPI
}

// New creates a Forwarder, loading AWS configuration from the environment
// unless static credentials are given.
func New(ctx context.Context, cfg Config) (*Forwarder, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Forwarder{
		sender: cfg.Sender,
		client: sesv2.NewFromConfig(awsCfg),
	}, nil
}

// NewWithClient creates a Forwarder with a custom client, used for testing.
func NewWithClient(sender string, client SendEmailAPI) *Forwarder {
	return &Forwarder{
		sender: sender,
		client: client,
	}
}

// Forward sends msg.Raw to the recipients as a raw SES message. The From
// header is replaced by the verified sender and the original author moves
// to Reply-To.
func (f *Forwarder) Forward(ctx context.Context, msg *email.Inbound, to []string) error {
	if len(to) == 0 {
		return fmt.Errorf("no forward recipients")
	}

	raw, err := rewriteHeaders(msg.Raw, f.sender)
	if err != nil {
		return fmt.Errorf("failed to prepare forwarded message: %w", err)
	}

	_, err = f.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(f.sender),
		Destination: &types.Destination{
			ToAddresses: to,
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	})
	if err != nil {
		return fmt.Errorf("SES SendEmail failed: %w", err)
	}
	return nil
}

// Name returns the forwarder name.
func (f *Forwarder) Name() string {
	return "ses"
}

// strippedHeaders would either be rejected by SES or no longer verify once
// From is rewritten.
var strippedHeaders = []string{"Return-Path", "Sender", "DKIM-Signature", "Domainkey-Signature"}

// rewriteHeaders swaps the From header for sender, keeping the original
// author reachable through Reply-To and X-Original-From.
func rewriteHeaders(raw []byte, sender string) ([]byte, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	header, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	originalFrom := header.Get("From")
	for _, k := range strippedHeaders {
		header.Del(k)
	}
	if originalFrom != "" {
		header.Set("X-Original-From", originalFrom)
		if header.Get("Reply-To") == "" {
			header.Set("Reply-To", originalFrom)
		}
	}
	header.Set("From", sender)

	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, header); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	if _, err := io.Copy(&buf, br); err != nil {
		return nil, fmt.Errorf("failed to copy body: %w", err)
	}
	return buf.Bytes(), nil
}
