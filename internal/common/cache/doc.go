// Package cache provides a typed key/value cache with TTL over two backends:
//
//   - Local: github.com/patrickmn/go-cache, per-process, zero setup
//   - Redis: github.com/go-redis/redis/v8, JSON values, shared by every
//     instance pointing at the same Redis
//
// Both satisfy Cache[V], so engines such as the quota cache and the CSRF
// token store pick a backend through New without knowing which one they got.
//
// Example:
//
//	entries, err := cache.New[quota.Entry](cache.Config{
//	    Type:      cache.TypeLocal,
//	    TTL:       time.Minute,
//	    KeyPrefix: "quota:",
//	})
package cache
