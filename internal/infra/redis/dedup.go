package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/harvester/internal/core/fault"
	"github.com/vietddude/harvester/internal/orchestration/dedup"
)

// DedupIndex implements dedup.Index using two Redis hashes per job:
// content hash -> image ref, and "hi:lo" perceptual halves -> image ref.
type DedupIndex struct {
	rdb       *redis.Client
	jobID     string
	threshold int
	ttl       time.Duration
}

// NewDedupIndex creates a job-scoped Redis dedup index.
func NewDedupIndex(client *Client, jobID string, threshold int, ttl time.Duration) *DedupIndex {
	return &DedupIndex{
		rdb:       client.rdb,
		jobID:     jobID,
		threshold: threshold,
		ttl:       ttl,
	}
}

// DedupFactory returns a dedup.Factory backed by this client.
func (c *Client) DedupFactory(threshold int, ttl time.Duration) dedup.Factory {
	return func(jobID string) dedup.Index {
		return NewDedupIndex(c, jobID, threshold, ttl)
	}
}

// Lua has 32-bit bit ops, so the 64-bit perceptual hash travels as two halves.
var lookupOrInsertScript = redis.NewScript(`
local ref = redis.call("HGET", KEYS[1], ARGV[1])
if ref then
	return {1, ref, 0}
end
local function popcount(x)
	local c = 0
	while x ~= 0 do
		c = c + bit.band(x, 1)
		x = bit.rshift(x, 1)
	end
	return c
end
local hi = tonumber(ARGV[2])
local lo = tonumber(ARGV[3])
local threshold = tonumber(ARGV[4])
local all = redis.call("HGETALL", KEYS[2])
for i = 1, #all, 2 do
	local sep = string.find(all[i], ":", 1, true)
	local h = tonumber(string.sub(all[i], 1, sep - 1))
	local l = tonumber(string.sub(all[i], sep + 1))
	local d = popcount(bit.bxor(h, hi)) + popcount(bit.bxor(l, lo))
	if d <= threshold then
		return {0, all[i + 1], d}
	end
end
if ARGV[6] == "1" then
	redis.call("HSET", KEYS[1], ARGV[1], ARGV[5])
	redis.call("HSET", KEYS[2], ARGV[2] .. ":" .. ARGV[3], ARGV[5])
	local ttl = tonumber(ARGV[7])
	if ttl > 0 then
		redis.call("EXPIRE", KEYS[1], ttl)
		redis.call("EXPIRE", KEYS[2], ttl)
	end
end
return false
`)

var removeScript = redis.NewScript(`
local n = 0
for k = 1, #KEYS do
	local all = redis.call("HGETALL", KEYS[k])
	for i = 1, #all, 2 do
		if all[i + 1] == ARGV[1] then
			n = n + redis.call("HDEL", KEYS[k], all[i])
		end
	end
end
return n
`)

func splitHash(h uint64) (string, string) {
	return strconv.FormatUint(h>>32, 10), strconv.FormatUint(h&0xFFFFFFFF, 10)
}

func (d *DedupIndex) run(ctx context.Context, e dedup.Entry, insert bool) (*dedup.Match, error) {
	hi, lo := splitHash(e.PerceptualHash)
	flag := "0"
	if insert {
		flag = "1"
	}
	keys := []string{contentKey(d.jobID), perceptualKey(d.jobID)}
	res, err := lookupOrInsertScript.Run(ctx, d.rdb, keys,
		e.ContentHash, hi, lo, d.threshold, e.ImageRef, flag, int64(d.ttl.Seconds()),
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindBrokerConnection, "dedup lookup", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("dedup lookup: unexpected reply %v", res)
	}

	exact, _ := res[0].(int64)
	ref, _ := res[1].(string)
	dist, _ := res[2].(int64)
	return &dedup.Match{ImageRef: ref, Exact: exact == 1, Distance: int(dist)}, nil
}

// Lookup implements dedup.Index.
func (d *DedupIndex) Lookup(ctx context.Context, contentHash string, perceptualHash uint64) (*dedup.Match, error) {
	return d.run(ctx, dedup.Entry{ContentHash: contentHash, PerceptualHash: perceptualHash}, false)
}

// LookupOrInsert implements dedup.Index. The script runs atomically on the
// server, so concurrent workers on one job cannot both insert a duplicate.
func (d *DedupIndex) LookupOrInsert(ctx context.Context, e dedup.Entry) (*dedup.Match, error) {
	return d.run(ctx, e, true)
}

// Remove implements dedup.Index.
func (d *DedupIndex) Remove(ctx context.Context, ref string) error {
	keys := []string{contentKey(d.jobID), perceptualKey(d.jobID)}
	if err := removeScript.Run(ctx, d.rdb, keys, ref).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fault.Wrap(fault.KindBrokerConnection, "dedup remove", err)
	}
	return nil
}

// Size implements dedup.Index.
func (d *DedupIndex) Size(ctx context.Context) (int, error) {
	n, err := d.rdb.HLen(ctx, contentKey(d.jobID)).Result()
	if err != nil {
		return 0, fault.Wrap(fault.KindBrokerConnection, "dedup size", err)
	}
	return int(n), nil
}

// Release deletes the job's keys.
func (d *DedupIndex) Release(ctx context.Context) error {
	if err := d.rdb.Del(ctx, contentKey(d.jobID), perceptualKey(d.jobID)).Err(); err != nil {
		return fmt.Errorf("release dedup index %s: %w", d.jobID, err)
	}
	return nil
}

// ParseHashField decodes a "hi:lo" perceptual field.
func ParseHashField(s string) (uint64, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid hash field: %s", s)
	}
	hi, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid high half: %w", err)
	}
	lo, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid low half: %w", err)
	}
	return hi<<32 | lo, nil
}
