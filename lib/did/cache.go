/*
 * Courier
 * Copyright (C) 2026  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package did

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/jellydator/ttlcache/v3"

	"github.com/gravitational/courier/lib/defaults"
)

// CachingResolver wraps a Resolver with a TTL cache. Resolution of hosted
// DID methods hits the network; repeated holder interactions within one
// exchange resolve the same document several times.
type CachingResolver struct {
	resolver Resolver
	cache    *ttlcache.Cache[string, *Document]
}

// NewCachingResolver returns a caching wrapper around resolver. Close stops
// the cache janitor.
func NewCachingResolver(resolver Resolver, ttl time.Duration, capacity uint64) (*CachingResolver, error) {
	if resolver == nil {
		return nil, trace.BadParameter("missing parameter resolver")
	}
	if ttl <= 0 {
		ttl = defaults.DIDCacheTTL
	}
	if capacity == 0 {
		capacity = defaults.DIDCacheSize
	}
	cache := ttlcache.New[string, *Document](
		ttlcache.WithTTL[string, *Document](ttl),
		ttlcache.WithCapacity[string, *Document](capacity),
	)
	go cache.Start()
	return &CachingResolver{resolver: resolver, cache: cache}, nil
}

// Resolve implements Resolver. Only successful resolutions are cached.
func (r *CachingResolver) Resolve(ctx context.Context, did string) (*Document, error) {
	if item := r.cache.Get(did); item != nil {
		return item.Value(), nil
	}
	doc, err := r.resolver.Resolve(ctx, did)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	r.cache.Set(did, doc, ttlcache.DefaultTTL)
	return doc, nil
}

// Close stops the cache janitor.
func (r *CachingResolver) Close() {
	r.cache.Stop()
}
