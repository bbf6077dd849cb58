package scoreboard

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const defaultHistory = 200

// Entry is one all-time leaderboard row.
type Entry struct {
	Rank    int
	ID      int64
	Name    string
	Correct int64
}

// RedisSink accumulates finished sessions in Redis:
//
//	<prefix>:alltime   ZSET  user id -> total correct answers
//	<prefix>:names     HASH  user id -> last display name
//	<prefix>:roster    SET   every user id that ever answered
//	<prefix>:sessions  LIST  JSON summaries, newest first, capped
type RedisSink struct {
	rdb     *redis.Client
	prefix  string
	history int64
}

func NewRedisSink(rdb *redis.Client, prefix string) *RedisSink {
	if prefix == "" {
		prefix = "quiz"
	}
	return &RedisSink{rdb: rdb, prefix: prefix, history: defaultHistory}
}

func (s *RedisSink) key(name string) string { return s.prefix + ":" + name }

func (s *RedisSink) Handoff(ctx context.Context, sum Summary) error {
	raw, err := json.Marshal(sum)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	for _, st := range sum.Standings {
		member := strconv.FormatInt(st.ID, 10)
		pipe.ZIncrBy(ctx, s.key("alltime"), float64(st.Correct), member)
		pipe.HSet(ctx, s.key("names"), member, st.DisplayName())
		pipe.SAdd(ctx, s.key("roster"), member)
	}
	pipe.LPush(ctx, s.key("sessions"), raw)
	pipe.LTrim(ctx, s.key("sessions"), 0, s.history-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis hand-off: %w", err)
	}
	return nil
}

// Top returns the n best all-time participants.
func (s *RedisSink) Top(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		n = 10
	}
	zs, err := s.rdb.ZRevRangeWithScores(ctx, s.key("alltime"), 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	if len(zs) == 0 {
		return nil, nil
	}
	ids := make([]string, len(zs))
	for i, z := range zs {
		ids[i], _ = z.Member.(string)
	}
	names, err := s.rdb.HMGet(ctx, s.key("names"), ids...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, len(zs))
	for i, z := range zs {
		id, _ := strconv.ParseInt(ids[i], 10, 64)
		name, _ := names[i].(string)
		if name == "" {
			name = "User " + ids[i]
		}
		out[i] = Entry{Rank: i + 1, ID: id, Name: name, Correct: int64(z.Score)}
	}
	return out, nil
}

// RosterSize is the number of distinct users that ever answered.
func (s *RedisSink) RosterSize(ctx context.Context) (int64, error) {
	return s.rdb.SCard(ctx, s.key("roster")).Result()
}

// Recent returns up to n of the newest stored summaries.
func (s *RedisSink) Recent(ctx context.Context, n int) ([]Summary, error) {
	if n <= 0 {
		n = 10
	}
	raws, err := s.rdb.LRange(ctx, s.key("sessions"), 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(raws))
	for _, r := range raws {
		var sum Summary
		if err := json.Unmarshal([]byte(r), &sum); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, nil
}
