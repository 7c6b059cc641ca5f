package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrReadOnly is returned when a write is attempted inside View.
var ErrReadOnly = errors.New("kv: write in read-only transaction")

// Tx is a single transaction over the keyspace. All reads observe the
// same snapshot and the same clock instant.
type Tx struct {
	ctx      context.Context
	tx       *sql.Tx
	now      time.Time
	readOnly bool
}

// ScoredMember is one entry of a scored set.
type ScoredMember struct {
	Member string
	Score  float64
}

// Now returns the instant this transaction treats as "now".
func (t *Tx) Now() time.Time {
	return t.now
}

func (t *Tx) nowMs() int64 {
	return t.now.UnixMilli()
}

func (t *Tx) writable() error {
	if t.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (t *Tx) expiry(ttl time.Duration) sql.NullInt64 {
	if ttl <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.now.Add(ttl).UnixMilli(), Valid: true}
}

// Get returns the live value at key.
func (t *Tx) Get(key string) (string, bool, error) {
	var val string
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT value FROM kv_strings
		WHERE key = ? AND (expires_at IS NULL OR expires_at > ?);
	`, key, t.nowMs()).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv get %s: %w", key, err)
	}
	return val, true, nil
}

// TTL returns the remaining lifetime of key. A live key without expiry
// reports -1; an absent key reports ok=false.
func (t *Tx) TTL(key string) (time.Duration, bool, error) {
	var exp sql.NullInt64
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT expires_at FROM kv_strings
		WHERE key = ? AND (expires_at IS NULL OR expires_at > ?);
	`, key, t.nowMs()).Scan(&exp)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("kv ttl %s: %w", key, err)
	}
	if !exp.Valid {
		return -1, true, nil
	}
	return time.Duration(exp.Int64-t.nowMs()) * time.Millisecond, true, nil
}

// Set upserts key.
func (t *Tx) Set(key, val string, ttl time.Duration) error {
	if err := t.writable(); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO kv_strings (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at;
	`, key, val, t.expiry(ttl))
	if err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

// SetNX writes key only if it is absent or expired. The check and the
// write are one statement.
func (t *Tx) SetNX(key, val string, ttl time.Duration) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	res, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO kv_strings (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
		WHERE kv_strings.expires_at IS NOT NULL AND kv_strings.expires_at <= ?;
	`, key, val, t.expiry(ttl), t.nowMs())
	if err != nil {
		return false, fmt.Errorf("kv setnx %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("kv setnx rows affected: %w", err)
	}
	return n == 1, nil
}

// CompareAndDelete removes key only if it is live and holds val.
func (t *Tx) CompareAndDelete(key, val string) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	res, err := t.tx.ExecContext(t.ctx, `
		DELETE FROM kv_strings
		WHERE key = ? AND value = ? AND (expires_at IS NULL OR expires_at > ?);
	`, key, val, t.nowMs())
	if err != nil {
		return false, fmt.Errorf("kv compare-and-delete %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("kv compare-and-delete rows affected: %w", err)
	}
	return n == 1, nil
}

// CompareAndExpire resets the TTL of key only if it is live and holds val.
func (t *Tx) CompareAndExpire(key, val string, ttl time.Duration) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE kv_strings SET expires_at = ?
		WHERE key = ? AND value = ? AND (expires_at IS NULL OR expires_at > ?);
	`, t.expiry(ttl), key, val, t.nowMs())
	if err != nil {
		return false, fmt.Errorf("kv compare-and-expire %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("kv compare-and-expire rows affected: %w", err)
	}
	return n == 1, nil
}

// Del removes string keys, returning how many were live.
func (t *Tx) Del(keys ...string) (int, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	var total int
	for _, key := range keys {
		res, err := t.tx.ExecContext(t.ctx, `DELETE FROM kv_strings WHERE key = ? AND (expires_at IS NULL OR expires_at > ?);`, key, t.nowMs())
		if err != nil {
			return total, fmt.Errorf("kv del %s: %w", key, err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
		// Drop any expired leftover too.
		if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM kv_strings WHERE key = ?;`, key); err != nil {
			return total, fmt.Errorf("kv del %s: %w", key, err)
		}
	}
	return total, nil
}

// Keys lists live string keys starting with prefix, sorted.
func (t *Tx) Keys(prefix string) ([]string, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT key FROM kv_strings
		WHERE substr(key, 1, ?) = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY key ASC;
	`, len(prefix), prefix, t.nowMs())
	if err != nil {
		return nil, fmt.Errorf("kv keys %s: %w", prefix, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan kv key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// RPush appends values to the tail of the list at key.
func (t *Tx) RPush(key string, vals ...string) (int, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	for _, v := range vals {
		if _, err := t.tx.ExecContext(t.ctx, `
			INSERT INTO kv_lists (key, pos, value)
			VALUES (?, COALESCE((SELECT MAX(pos) FROM kv_lists WHERE key = ?), 0) + 1, ?);
		`, key, key, v); err != nil {
			return 0, fmt.Errorf("kv rpush %s: %w", key, err)
		}
	}
	return t.LLen(key)
}

// LPush prepends values to the head of the list at key. The last value
// given ends up first, as with Redis.
func (t *Tx) LPush(key string, vals ...string) (int, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	for _, v := range vals {
		if _, err := t.tx.ExecContext(t.ctx, `
			INSERT INTO kv_lists (key, pos, value)
			VALUES (?, COALESCE((SELECT MIN(pos) FROM kv_lists WHERE key = ?), 0) - 1, ?);
		`, key, key, v); err != nil {
			return 0, fmt.Errorf("kv lpush %s: %w", key, err)
		}
	}
	return t.LLen(key)
}

// LRange returns list elements from index start to stop inclusive.
// Negative stop counts from the end; -1 means the whole tail.
func (t *Tx) LRange(key string, start, stop int) ([]string, error) {
	if start < 0 {
		start = 0
	}
	limit := -1
	if stop >= 0 {
		if stop < start {
			return nil, nil
		}
		limit = stop - start + 1
	}
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT value FROM kv_lists WHERE key = ?
		ORDER BY pos ASC, id ASC
		LIMIT ? OFFSET ?;
	`, key, limit, start)
	if err != nil {
		return nil, fmt.Errorf("kv lrange %s: %w", key, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan kv list value: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// LLen returns the list length.
func (t *Tx) LLen(key string) (int, error) {
	var n int
	if err := t.tx.QueryRowContext(t.ctx, `SELECT COUNT(1) FROM kv_lists WHERE key = ?;`, key).Scan(&n); err != nil {
		return 0, fmt.Errorf("kv llen %s: %w", key, err)
	}
	return n, nil
}

// LRem removes every occurrence of val from the list and returns the count.
func (t *Tx) LRem(key, val string) (int, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM kv_lists WHERE key = ? AND value = ?;`, key, val)
	if err != nil {
		return 0, fmt.Errorf("kv lrem %s: %w", key, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ZAdd inserts member or updates its score. Reports whether it was new.
func (t *Tx) ZAdd(key, member string, score float64) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	_, existed, err := t.ZScore(key, member)
	if err != nil {
		return false, err
	}
	if _, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO kv_zsets (key, member, score) VALUES (?, ?, ?)
		ON CONFLICT(key, member) DO UPDATE SET score = excluded.score;
	`, key, member, score); err != nil {
		return false, fmt.Errorf("kv zadd %s: %w", key, err)
	}
	return !existed, nil
}

// ZRem removes member, reporting whether it was present.
func (t *Tx) ZRem(key, member string) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM kv_zsets WHERE key = ? AND member = ?;`, key, member)
	if err != nil {
		return false, fmt.Errorf("kv zrem %s: %w", key, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ZScore returns member's score.
func (t *Tx) ZScore(key, member string) (float64, bool, error) {
	var score float64
	err := t.tx.QueryRowContext(t.ctx, `SELECT score FROM kv_zsets WHERE key = ? AND member = ?;`, key, member).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("kv zscore %s: %w", key, err)
	}
	return score, true, nil
}

// ZCard returns the number of members in the set.
func (t *Tx) ZCard(key string) (int, error) {
	var n int
	if err := t.tx.QueryRowContext(t.ctx, `SELECT COUNT(1) FROM kv_zsets WHERE key = ?;`, key).Scan(&n); err != nil {
		return 0, fmt.Errorf("kv zcard %s: %w", key, err)
	}
	return n, nil
}

// ZRangeByScore returns members with min <= score <= max in ascending
// score order. limit <= 0 means no limit. Use math.Inf for open bounds.
func (t *Tx) ZRangeByScore(key string, min, max float64, limit int) ([]ScoredMember, error) {
	if limit <= 0 {
		limit = -1
	}
	// SQLite has no infinity literal binding; clamp to the float range.
	if math.IsInf(min, -1) {
		min = -math.MaxFloat64
	}
	if math.IsInf(max, 1) {
		max = math.MaxFloat64
	}
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT member, score FROM kv_zsets
		WHERE key = ? AND score >= ? AND score <= ?
		ORDER BY score ASC, member ASC
		LIMIT ?;
	`, key, min, max, limit)
	if err != nil {
		return nil, fmt.Errorf("kv zrangebyscore %s: %w", key, err)
	}
	defer rows.Close()
	var out []ScoredMember
	for rows.Next() {
		var m ScoredMember
		if err := rows.Scan(&m.Member, &m.Score); err != nil {
			return nil, fmt.Errorf("scan kv zset member: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
