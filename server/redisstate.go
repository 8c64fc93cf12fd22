package server

import (
	"context"
	"encoding/json"
	"math"
	"math/big"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/flashbots/escrow-endpoint/ledger"
	"github.com/flashbots/escrow-endpoint/metrics"
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

var RedisPrefix = "escrow-endpoint:"
var RedisKeyManager = RedisPrefix + "manager"
var RedisKeyBalance = RedisPrefix + "balance"
var RedisKeyEvents = RedisPrefix + "events"
var RedisPrefixRecord = RedisPrefix + "record:"
var RedisPrefixNonce = RedisPrefix + "nonce:"
var RedisPrefixDeposit = RedisPrefix + "deposit:"

// RedisUpdateAttempts bounds the retries of an Update that lost a WATCH race.
var RedisUpdateAttempts = 16

func RedisKeyRecord(account common.Address) string {
	return RedisPrefixRecord + strings.ToLower(account.Hex())
}

func RedisKeyNonce(n ledger.Nonce) string {
	return RedisPrefixNonce + n.Key()
}

func RedisKeyDeposit(txHash common.Hash) string {
	return RedisPrefixDeposit + strings.ToLower(txHash.Hex())
}

// stored JSON encoded under RedisKeyRecord
type redisRecord struct {
	Allowance     *hexutil.Big `json:"allowance"`
	Withdrawn     *hexutil.Big `json:"withdrawn"`
	IsWhitelisted bool         `json:"isWhitelisted"`
	IsBlacklisted bool         `json:"isBlacklisted"`
}

// RedisState is a ledger.State kept in redis, safe to share between instances.
type RedisState struct {
	RedisClient *redis.Client
}

func NewRedisState(redisUrl string) (*RedisState, error) {
	// Setup redis client and check connection
	redisClient := redis.NewClient(&redis.Options{Addr: redisUrl})

	// Try to get a key to see if there's an error with the connection
	if err := redisClient.Get(context.Background(), "somekey").Err(); err != nil && err != redis.Nil {
		return nil, errors.Wrap(err, "redis init error")
	}

	// Create and return the RedisState
	return &RedisState{
		RedisClient: redisClient,
	}, nil
}

func (s *RedisState) Init(ctx context.Context, manager common.Address) error {
	wasSet, err := s.RedisClient.SetNX(ctx, RedisKeyManager, strings.ToLower(manager.Hex()), 0).Result()
	if err != nil {
		metrics.IncRedisErr()
		return errors.Wrap(err, "pin manager")
	}
	if wasSet {
		return nil
	}

	stored, err := s.RedisClient.Get(ctx, RedisKeyManager).Result()
	if err != nil {
		metrics.IncRedisErr()
		return errors.Wrap(err, "get manager")
	}
	if !strings.EqualFold(stored, manager.Hex()) {
		return errors.Wrapf(ledger.ErrManagerMismatch, "stored manager %s", stored)
	}
	return nil
}

// redisReader is what reads need, met by both the client and a WATCH transaction.
type redisReader interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
}

func (s *RedisState) Record(ctx context.Context, account common.Address) (ledger.Record, error) {
	return readRecord(ctx, s.RedisClient, account)
}

func readRecord(ctx context.Context, r redisReader, account common.Address) (ledger.Record, error) {
	val, err := r.Get(ctx, RedisKeyRecord(account)).Result()
	if err == redis.Nil {
		return ledger.NewRecord(), nil // just not found
	} else if err != nil {
		metrics.IncRedisErr()
		return ledger.Record{}, errors.Wrap(err, "get record")
	}

	var stored redisRecord
	if err := json.Unmarshal([]byte(val), &stored); err != nil {
		return ledger.Record{}, errors.Wrap(err, "decode record")
	}
	rec := ledger.NewRecord()
	if stored.Allowance != nil {
		rec.Allowance = stored.Allowance.ToInt()
	}
	if stored.Withdrawn != nil {
		rec.Withdrawn = stored.Withdrawn.ToInt()
	}
	rec.IsWhitelisted = stored.IsWhitelisted
	rec.IsBlacklisted = stored.IsBlacklisted
	return rec, nil
}

func (s *RedisState) Balance(ctx context.Context) (*big.Int, error) {
	return readBalance(ctx, s.RedisClient)
}

func readBalance(ctx context.Context, r redisReader) (*big.Int, error) {
	val, err := r.Get(ctx, RedisKeyBalance).Result()
	if err == redis.Nil {
		return new(big.Int), nil
	} else if err != nil {
		metrics.IncRedisErr()
		return nil, errors.Wrap(err, "get balance")
	}

	balance, ok := new(big.Int).SetString(val, 10)
	if !ok {
		return nil, errors.Errorf("invalid balance %q", val)
	}
	return balance, nil
}

func readExists(ctx context.Context, r redisReader, key string) (bool, error) {
	n, err := r.Exists(ctx, key).Result()
	if err != nil {
		metrics.IncRedisErr()
		return false, errors.Wrap(err, "exists")
	}
	return n > 0, nil
}

func (s *RedisState) readView(ctx context.Context, r redisReader, q ledger.Query) (view ledger.View, err error) {
	view.Record = ledger.NewRecord()
	if q.Account != nil {
		if view.Record, err = readRecord(ctx, r, *q.Account); err != nil {
			return view, err
		}
	}
	if view.Balance, err = readBalance(ctx, r); err != nil {
		return view, err
	}
	if q.Nonce != nil {
		if view.NonceUsed, err = readExists(ctx, r, RedisKeyNonce(*q.Nonce)); err != nil {
			return view, err
		}
	}
	if q.Deposit != nil {
		if view.DepositSeen, err = readExists(ctx, r, RedisKeyDeposit(*q.Deposit)); err != nil {
			return view, err
		}
	}
	return view, nil
}

// Update watches every key the query reads and commits the change in one
// MULTI/EXEC. A conflicting write by another instance fails the EXEC and
// the update is run again.
func (s *RedisState) Update(ctx context.Context, q ledger.Query, fn func(ledger.View) (*ledger.Change, error)) error {
	keys := []string{RedisKeyBalance}
	if q.Account != nil {
		keys = append(keys, RedisKeyRecord(*q.Account))
	}
	if q.Nonce != nil {
		keys = append(keys, RedisKeyNonce(*q.Nonce))
	}
	if q.Deposit != nil {
		keys = append(keys, RedisKeyDeposit(*q.Deposit))
	}

	for attempt := 0; attempt < RedisUpdateAttempts; attempt++ {
		var change *ledger.Change
		var pushCmd *redis.IntCmd
		err := s.RedisClient.Watch(ctx, func(tx *redis.Tx) error {
			view, err := s.readView(ctx, tx, q)
			if err != nil {
				return err
			}
			change, err = fn(view)
			if err != nil || change == nil {
				return err
			}
			pushCmd, err = s.commit(ctx, tx, change)
			return err
		}, keys...)
		if err == redis.TxFailedErr {
			metrics.IncRedisConflict()
			continue
		}
		if err != nil {
			return err
		}
		if pushCmd != nil {
			change.Event.Seq = uint64(pushCmd.Val() - 1)
		}
		return nil
	}
	return errors.Errorf("update: still conflicting after %d attempts", RedisUpdateAttempts)
}

// commit queues change in a MULTI/EXEC on tx and returns the event push, if any.
func (s *RedisState) commit(ctx context.Context, tx *redis.Tx, change *ledger.Change) (*redis.IntCmd, error) {
	var recordJson, eventJson []byte
	var err error
	if change.Record != nil {
		recordJson, err = json.Marshal(redisRecord{
			Allowance:     (*hexutil.Big)(change.Record.Allowance),
			Withdrawn:     (*hexutil.Big)(change.Record.Withdrawn),
			IsWhitelisted: change.Record.IsWhitelisted,
			IsBlacklisted: change.Record.IsBlacklisted,
		})
		if err != nil {
			return nil, errors.Wrap(err, "encode record")
		}
	}
	if change.Event != nil {
		// the position in the list is the sequence number, it is not stored
		eventJson, err = json.Marshal(change.Event)
		if err != nil {
			return nil, errors.Wrap(err, "encode event")
		}
	}

	var pushCmd *redis.IntCmd
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if recordJson != nil {
			pipe.Set(ctx, RedisKeyRecord(change.Account), recordJson, 0)
		}
		if change.Balance != nil {
			pipe.Set(ctx, RedisKeyBalance, change.Balance.String(), 0)
		}
		if change.UseNonce != nil {
			pipe.Set(ctx, RedisKeyNonce(*change.UseNonce), 1, nonceTTL(*change.UseNonce))
		}
		if change.ReleaseNonce != nil {
			pipe.Del(ctx, RedisKeyNonce(*change.ReleaseNonce))
		}
		if change.Deposit != nil {
			pipe.Set(ctx, RedisKeyDeposit(*change.Deposit), 1, 0)
		}
		if eventJson != nil {
			pushCmd = pipe.RPush(ctx, RedisKeyEvents, eventJson)
		}
		return nil
	})
	if err == redis.TxFailedErr {
		return nil, err
	} else if err != nil {
		metrics.IncRedisErr()
		return nil, errors.Wrap(err, "apply change")
	}
	return pushCmd, nil
}

// nonceTTL keeps a spent nonce until its expiry, in whole seconds.
func nonceTTL(n ledger.Nonce) time.Duration {
	ttl := n.Expiry.Sub(ledger.Now()).Truncate(time.Second) + time.Second
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}

func (s *RedisState) Events(ctx context.Context, from uint64, limit int) ([]ledger.Event, error) {
	if from > math.MaxInt64 || limit <= 0 {
		return []ledger.Event{}, nil
	}
	stop := int64(from) + int64(limit) - 1
	if stop < int64(from) {
		stop = math.MaxInt64
	}
	vals, err := s.RedisClient.LRange(ctx, RedisKeyEvents, int64(from), stop).Result()
	if err != nil {
		metrics.IncRedisErr()
		return nil, errors.Wrap(err, "get events")
	}

	events := make([]ledger.Event, 0, len(vals))
	for i, val := range vals {
		var ev ledger.Event
		if err := json.Unmarshal([]byte(val), &ev); err != nil {
			return nil, errors.Wrap(err, "decode event")
		}
		ev.Seq = from + uint64(i)
		events = append(events, ev)
	}
	return events, nil
}

func (s *RedisState) Accounts(ctx context.Context) ([]common.Address, error) {
	accounts := make([]common.Address, 0)
	iter := s.RedisClient.Scan(ctx, 0, RedisPrefixRecord+"*", 100).Iterator()
	for iter.Next(ctx) {
		accounts = append(accounts, common.HexToAddress(strings.TrimPrefix(iter.Val(), RedisPrefixRecord)))
	}
	if err := iter.Err(); err != nil {
		metrics.IncRedisErr()
		return nil, errors.Wrap(err, "scan records")
	}
	slices.SortFunc(accounts, func(a, b common.Address) int { return a.Cmp(b) })
	return accounts, nil
}

func (s *RedisState) NumEvents(ctx context.Context) (int64, error) {
	return s.RedisClient.LLen(ctx, RedisKeyEvents).Result()
}
