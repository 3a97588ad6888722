package service

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/docker/distribution/notifications"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
)

// Actor describes requester of an operation, zero value is an anonymous request
type Actor struct {
	UserID       int64
	Login        string
	Unrestricted bool // sees every repository, e.g. admin or authentication disabled

	// request record for events
	RequestID string
	Addr      string
	Host      string
	Method    string
	UserAgent string
}

type actorCtxKey struct{}

// WithActor returns context carried actor of operation
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorCtxKey{}, actor)
}

// ActorFromContext returns actor of operation, zero value when not defined
func ActorFromContext(ctx context.Context) Actor {
	actor, _ := ctx.Value(actorCtxKey{}).(Actor)
	return actor
}

// NotifyConfig defines delivery of registry events to webhook endpoints
type NotifyConfig struct {
	Endpoints []string
	Headers   http.Header
	Timeout   time.Duration
	Threshold int
	Backoff   time.Duration
}

// NewNotificationSink makes broadcaster delivering events to every endpoint.
// It returns nil when no endpoint defined.
func NewNotificationSink(cfg NotifyConfig) notifications.Sink {
	if len(cfg.Endpoints) == 0 {
		return nil
	}

	sinks := make([]notifications.Sink, 0, len(cfg.Endpoints))
	for i, url := range cfg.Endpoints {
		sinks = append(sinks, notifications.NewEndpoint(fmt.Sprintf("endpoint-%d", i), url, notifications.EndpointConfig{
			Headers:   cfg.Headers,
			Timeout:   cfg.Timeout,
			Threshold: cfg.Threshold,
			Backoff:   cfg.Backoff,
		}))
	}
	return notifications.NewBroadcaster(sinks...)
}

type eventTarget struct {
	Repository     string
	FromRepository string
	Tag            string
	MediaType      string
	Digest         digest.Digest
	Size           int64
	Manifest       bool // target is a manifest, otherwise a blob
}

// notify sends event to sink, delivery errors never fail an operation
func (ds *DataService) notify(ctx context.Context, action string, target eventTarget) {
	if ds.Sink == nil {
		return
	}

	actor := ActorFromContext(ctx)
	event := notifications.Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Action:    action,
		Actor:     notifications.ActorRecord{Name: actor.Login},
		Request: notifications.RequestRecord{
			ID:        actor.RequestID,
			Addr:      actor.Addr,
			Host:      actor.Host,
			Method:    actor.Method,
			UserAgent: actor.UserAgent,
		},
		Source: notifications.SourceRecord{Addr: ds.Hostname},
	}

	event.Target.Repository = target.Repository
	event.Target.FromRepository = target.FromRepository
	event.Target.Tag = target.Tag
	event.Target.MediaType = target.MediaType
	event.Target.Digest = target.Digest
	event.Target.Size = target.Size
	event.Target.Length = target.Size
	event.Target.URL = ds.targetURL(target)

	if err := ds.Sink.Write(event); err != nil {
		ds.logger().Logf("[WARN] failed to send %s event of %s: %v", action, target.Repository, err)
	}
}

func (ds *DataService) targetURL(target eventTarget) string {
	base := strings.TrimSuffix(ds.Hostname, "/")
	switch {
	case target.Manifest && target.Digest != "":
		return fmt.Sprintf("%s/v2/%s/manifests/%s", base, target.Repository, target.Digest)
	case target.Manifest && target.Tag != "":
		return fmt.Sprintf("%s/v2/%s/manifests/%s", base, target.Repository, target.Tag)
	case target.Digest != "":
		return fmt.Sprintf("%s/v2/%s/blobs/%s", base, target.Repository, target.Digest)
	}
	return ""
}
