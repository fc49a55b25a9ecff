/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package redis_db

import (
	"context"
	"crypto/tls"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const pingTimeout = 500 * time.Millisecond

// Redis holds the client shared by the batch locks, the knowledge base cache and the
// task queue.
type Redis struct {
	addresses []string
	client    redis.UniversalClient
}

// ParseRedisURL turns a configured DNS into client options. Bare host:port values are
// used as is, and a password given without a leading colon is treated as the password
// rather than the username.
func ParseRedisURL(rawURL string, skipTLSVerify bool) (*redis.Options, error) {
	if isBareAddress(rawURL) {
		return &redis.Options{Addr: rawURL}, nil
	}

	opts, err := redis.ParseURL(passwordOnlyAuth(rawURL))
	if err != nil {
		opts = looseOptions(rawURL)
	}

	if opts.TLSConfig != nil && skipTLSVerify {
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return opts, nil
}

func isBareAddress(rawURL string) bool {
	return strings.Count(rawURL, ":") == 1 && !strings.ContainsAny(rawURL, "@/")
}

// passwordOnlyAuth rewrites redis://secret@host to redis://:secret@host.
func passwordOnlyAuth(rawURL string) string {
	rest, ok := strings.CutPrefix(rawURL, "redis://")
	if !ok {
		return rawURL
	}
	auth, host, found := strings.Cut(rest, "@")
	if !found || strings.Contains(auth, ":") || strings.Contains(host, "@") {
		return rawURL
	}
	return "redis://:" + auth + "@" + host
}

// looseOptions handles managed cache URLs that redis.ParseURL rejects, usually because
// the password carries characters that are not URL safe.
func looseOptions(rawURL string) *redis.Options {
	host, password := rawURL, ""
	if auth, rest, found := strings.Cut(rawURL, "@"); found && !strings.Contains(rest, "@") {
		password = strings.TrimPrefix(auth, "redis://")
		host = rest
	}

	opts := &redis.Options{Addr: host, Password: password}
	if strings.Contains(host, "redis.cache.windows.net") {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

func clusterOptions(addresses []string, skipTLSVerify bool) (*redis.UniversalOptions, error) {
	opts := &redis.UniversalOptions{}
	useTLS := false
	for _, addr := range addresses {
		parsed, err := ParseRedisURL(addr, skipTLSVerify)
		if err != nil {
			return nil, err
		}
		opts.Addrs = append(opts.Addrs, parsed.Addr)
		if opts.Password == "" {
			opts.Password = parsed.Password
		}
		useTLS = useTLS || parsed.TLSConfig != nil
	}
	if useTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: skipTLSVerify}
	}
	return opts, nil
}

// NewRedisClient connects to a single instance, or to a cluster when several addresses
// are given, and pings it before returning.
func NewRedisClient(addresses []string, skipTLSVerify bool) (*Redis, error) {
	if len(addresses) == 0 {
		return nil, errors.New("redis addresses list cannot be empty")
	}

	var client redis.UniversalClient
	if len(addresses) == 1 {
		opts, err := ParseRedisURL(addresses[0], skipTLSVerify)
		if err != nil {
			return nil, err
		}
		client = redis.NewClient(opts)
	} else {
		opts, err := clusterOptions(addresses, skipTLSVerify)
		if err != nil {
			return nil, err
		}
		client = redis.NewUniversalClient(opts)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Redis{addresses: addresses, client: client}, nil
}

func (r *Redis) Client() redis.UniversalClient {
	return r.client
}

func (r *Redis) Close() error {
	return r.client.Close()
}
