package rp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v3"
	"golang.org/x/sync/singleflight"
)

var errUnknownKey = errors.New("signing key not found")

// Kid misses force at most one key download per interval.
const forcedRefreshInterval = 30 * time.Second

type keySnapshot struct {
	uri     string
	set     jose.JSONWebKeySet
	fetched time.Time
	expires time.Time
	etag    string
}

// keyCache holds the provider's signing keys. A kid miss forces one refresh
// so rotated keys are picked up without waiting for the TTL.
type keyCache struct {
	ttl       time.Duration
	transport *transport
	logger    *slog.Logger
	now       func() time.Time

	current atomic.Pointer[keySnapshot]
	group   singleflight.Group
	// lastForced holds the unix nanos of the last kid-miss refresh.
	lastForced atomic.Int64
}

// keys returns the cached key set for uri, downloading it when absent or expired.
func (k *keyCache) keys(ctx context.Context, uri string) (jose.JSONWebKeySet, error) {
	if snap := k.current.Load(); snap != nil && snap.uri == uri && k.now().Before(snap.expires) {
		return snap.set, nil
	}
	return k.refresh(ctx, uri)
}

// forceRefresh downloads the key set after a kid miss. Within
// forcedRefreshInterval of the previous forced download it reports false and
// leaves the cache alone.
func (k *keyCache) forceRefresh(ctx context.Context, uri string) (jose.JSONWebKeySet, bool, error) {
	now := k.now().UnixNano()
	last := k.lastForced.Load()
	if last != 0 && time.Duration(now-last) < forcedRefreshInterval {
		return jose.JSONWebKeySet{}, false, nil
	}
	if !k.lastForced.CompareAndSwap(last, now) {
		return jose.JSONWebKeySet{}, false, nil
	}
	set, err := k.refresh(ctx, uri)
	if err != nil {
		return jose.JSONWebKeySet{}, false, err
	}
	return set, true, nil
}

func (k *keyCache) refresh(ctx context.Context, uri string) (jose.JSONWebKeySet, error) {
	v, err, _ := k.group.Do(uri, func() (any, error) {
		snap, err := k.fetch(ctx, uri, k.current.Load())
		if err != nil {
			return nil, err
		}
		k.current.Store(snap)
		return snap, nil
	})
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	return v.(*keySnapshot).set, nil
}

func (k *keyCache) fetch(ctx context.Context, uri string, prev *keySnapshot) (*keySnapshot, error) {
	header := http.Header{}
	if prev != nil && prev.uri == uri && prev.etag != "" {
		header.Set("If-None-Match", prev.etag)
	}

	var next *keySnapshot
	err := k.transport.getJSON(ctx, "jwks", uri, header, func(resp *http.Response) error {
		now := k.now()
		if resp.StatusCode == http.StatusNotModified && prev != nil {
			cp := *prev
			cp.fetched = now
			cp.expires = now.Add(maxCacheDuration(resp.Header.Get("Cache-Control"), k.ttl))
			next = &cp
			return nil
		}
		if resp.StatusCode != http.StatusOK {
			return &statusError{StatusCode: resp.StatusCode, Status: resp.Status}
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
		if err != nil {
			return err
		}
		var set jose.JSONWebKeySet
		if err := json.Unmarshal(body, &set); err != nil {
			return fmt.Errorf("decode jwks: %w", err)
		}
		next = &keySnapshot{
			uri:     uri,
			set:     set,
			fetched: now,
			expires: now.Add(maxCacheDuration(resp.Header.Get("Cache-Control"), k.ttl)),
			etag:    resp.Header.Get("ETag"),
		}
		return nil
	})
	if err != nil {
		return nil, &DiscoveryError{URL: uri, Err: err}
	}
	k.logger.Debug("provider signing keys refreshed", "uri", uri, "keys", len(next.set.Keys))
	return next, nil
}

// findKey selects a public signing key by kid. Without a kid the first usable
// key for alg is returned.
func findKey(set jose.JSONWebKeySet, kid, alg string) *jose.JSONWebKey {
	for _, k := range set.Keys {
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		if !k.IsPublic() {
			continue
		}
		if k.Algorithm != "" && k.Algorithm != alg {
			continue
		}
		if kid == "" || k.KeyID == kid {
			key := k
			return &key
		}
	}
	return nil
}

func maxCacheDuration(header string, fallback time.Duration) time.Duration {
	if fallback <= 0 {
		fallback = DefaultKeyCacheTTL
	}
	parts := strings.Split(header, ",")
	for _, part := range parts {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) == 2 && strings.EqualFold(kv[0], "max-age") {
			if secs, err := time.ParseDuration(kv[1] + "s"); err == nil && secs > 0 {
				return secs
			}
		}
	}
	return fallback
}
