// Copyright 2025 LLMOS Bridge Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/mbathe/LLMOS-Bridge-sub002/internal/bridgelog"
)

// RedisSink mirrors every event to a Redis pub/sub channel so a second
// daemon process or a CLI "watch" command can tail events without holding
// a direct in-process subscription. It is a best-effort mirror: the
// in-process channel fan-out in Bus remains the primary, synchronous path.
type RedisSink struct {
	client  *redis.Client
	channel string
	logger  *bridgelog.Logger
	timeout time.Duration
}

// NewRedisSink wires a sink publishing to channel over client.
func NewRedisSink(client *redis.Client, channel string, logger *bridgelog.Logger) *RedisSink {
	return &RedisSink{client: client, channel: channel, logger: logger, timeout: 2 * time.Second}
}

// Write marshals ev and publishes it, logging (but never surfacing) any
// failure — a downed Redis instance must never block plan progress.
func (s *RedisSink) Write(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil && s.logger != nil {
		s.logger.Warn("redis_sink_publish_failed", map[string]interface{}{
			"channel": s.channel,
			"error":   err.Error(),
		})
	}
}
