package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisStore struct {
	c      *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// redisScriptStopTx marks a stored transaction as stopped unless it already
// is. Returns the updated JSON, 0 when missing, or -1 when already stopped.
var redisScriptStopTx = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return 0 end
local tx = cjson.decode(raw)
if tx['stopped_at'] then return -1 end
tx['meter_stop'] = tonumber(ARGV[1])
tx['stopped_at'] = ARGV[2]
if ARGV[3] ~= '' then tx['reason'] = ARGV[3] end
local out = cjson.encode(tx)
redis.call('SET', KEYS[1], out)
return out
`)

func NewRedisStore(c *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "ocppgate:"
	}
	return &RedisStore{c: c, prefix: keyPrefix}
}

func (s *RedisStore) Client() *redis.Client {
	return s.c
}

func (s *RedisStore) Prefix() string {
	return s.prefix
}

// Ping checks that redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.c.Ping(ctx).Err()
}

func (s *RedisStore) RecordBoot(ctx context.Context, stationID string, info BootInfo, at time.Time) error {
	if stationID == "" {
		return fmt.Errorf("%w: station id is required", ErrInvalidArgument)
	}
	ts := at.UTC().Format(time.RFC3339Nano)
	pipe := s.c.TxPipeline()
	pipe.HSet(ctx, s.keyStation(stationID),
		"vendor", info.Vendor,
		"model", info.Model,
		"serial_number", info.SerialNumber,
		"firmware_version", info.FirmwareVersion,
		"booted_at", ts,
		"last_heartbeat", ts,
	)
	pipe.SAdd(ctx, s.keyStations(), stationID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Heartbeat(ctx context.Context, stationID string, at time.Time) error {
	if stationID == "" {
		return fmt.Errorf("%w: station id is required", ErrInvalidArgument)
	}
	pipe := s.c.TxPipeline()
	pipe.HSet(ctx, s.keyStation(stationID), "last_heartbeat", at.UTC().Format(time.RFC3339Nano))
	pipe.SAdd(ctx, s.keyStations(), stationID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) SetConnectorStatus(ctx context.Context, stationID string, connectorID int, cs ConnectorStatus) error {
	if stationID == "" || connectorID < 0 {
		return fmt.Errorf("%w: station id and connector id are required", ErrInvalidArgument)
	}
	raw, err := json.Marshal(cs)
	if err != nil {
		return err
	}
	pipe := s.c.TxPipeline()
	pipe.HSet(ctx, s.keyConnectors(stationID), strconv.Itoa(connectorID), raw)
	pipe.SAdd(ctx, s.keyStations(), stationID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Authorize(ctx context.Context, tag string, now time.Time) (IDTag, error) {
	if tag == "" {
		return IDTag{}, fmt.Errorf("%w: id tag is required", ErrInvalidArgument)
	}
	raw, err := s.c.Get(ctx, s.keyTag(tag)).Bytes()
	if errors.Is(err, redis.Nil) {
		return IDTag{Tag: tag, Status: TagInvalid}, nil
	}
	if err != nil {
		return IDTag{}, err
	}
	var t IDTag
	if err := json.Unmarshal(raw, &t); err != nil {
		return IDTag{}, fmt.Errorf("store: decode id tag %q: %w", tag, err)
	}
	return tagStatus(t, now), nil
}

func (s *RedisStore) AddIDTag(ctx context.Context, tag IDTag) error {
	if tag.Tag == "" || !validTagStatus(tag.Status) {
		return fmt.Errorf("%w: id tag %q status %q", ErrInvalidArgument, tag.Tag, tag.Status)
	}
	if tag.Status == "" {
		tag.Status = TagAccepted
	}
	raw, err := json.Marshal(tag)
	if err != nil {
		return err
	}
	return s.c.Set(ctx, s.keyTag(tag.Tag), raw, 0).Err()
}

func (s *RedisStore) StartTransaction(ctx context.Context, tx Transaction) (Transaction, error) {
	if tx.StationID == "" || tx.IDTag == "" {
		return Transaction{}, fmt.Errorf("%w: station id and id tag are required", ErrInvalidArgument)
	}
	id, err := s.c.Incr(ctx, s.keyTxSeq()).Result()
	if err != nil {
		return Transaction{}, err
	}
	tx.ID = int(id)
	tx.MeterStop = nil
	tx.StoppedAt = nil
	raw, err := json.Marshal(tx)
	if err != nil {
		return Transaction{}, err
	}
	if err := s.c.Set(ctx, s.keyTx(tx.ID), raw, 0).Err(); err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

func (s *RedisStore) StopTransaction(ctx context.Context, id, meterStop int, at time.Time, reason string) (Transaction, error) {
	res, err := redisScriptStopTx.Run(ctx, s.c, []string{s.keyTx(id)},
		meterStop, at.UTC().Format(time.RFC3339Nano), reason).Result()
	if err != nil {
		return Transaction{}, err
	}
	switch v := res.(type) {
	case int64:
		if v == 0 {
			return Transaction{}, fmt.Errorf("%w: %d", ErrTransactionNotFound, id)
		}
		tx, _ := s.Transaction(ctx, id)
		return tx, fmt.Errorf("%w: %d", ErrTransactionStopped, id)
	case string:
		var tx Transaction
		if err := json.Unmarshal([]byte(v), &tx); err != nil {
			return Transaction{}, fmt.Errorf("store: decode transaction %d: %w", id, err)
		}
		return tx, nil
	default:
		return Transaction{}, fmt.Errorf("store: unexpected script result %T", res)
	}
}

// Transaction returns a stored transaction.
func (s *RedisStore) Transaction(ctx context.Context, id int) (Transaction, error) {
	raw, err := s.c.Get(ctx, s.keyTx(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Transaction{}, fmt.Errorf("%w: %d", ErrTransactionNotFound, id)
	}
	if err != nil {
		return Transaction{}, err
	}
	var tx Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return Transaction{}, fmt.Errorf("store: decode transaction %d: %w", id, err)
	}
	return tx, nil
}

func (s *RedisStore) Station(ctx context.Context, id string) (Station, error) {
	pipe := s.c.Pipeline()
	fieldsCmd := pipe.HGetAll(ctx, s.keyStation(id))
	connCmd := pipe.HGetAll(ctx, s.keyConnectors(id))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Station{}, err
	}
	fields := fieldsCmd.Val()
	conns := connCmd.Val()
	if len(fields) == 0 && len(conns) == 0 {
		return Station{}, fmt.Errorf("%w: %s", ErrStationNotFound, id)
	}
	return stationFromHashes(id, fields, conns), nil
}

func (s *RedisStore) ListStations(ctx context.Context) ([]Station, error) {
	ids, err := s.c.SMembers(ctx, s.keyStations()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)

	type cmds struct {
		fields *redis.MapStringStringCmd
		conns  *redis.MapStringStringCmd
	}
	pipe := s.c.Pipeline()
	pending := make([]cmds, len(ids))
	for i, id := range ids {
		pending[i] = cmds{
			fields: pipe.HGetAll(ctx, s.keyStation(id)),
			conns:  pipe.HGetAll(ctx, s.keyConnectors(id)),
		}
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
	}

	out := make([]Station, 0, len(ids))
	for i, id := range ids {
		out = append(out, stationFromHashes(id, pending[i].fields.Val(), pending[i].conns.Val()))
	}
	return out, nil
}

func stationFromHashes(id string, fields, conns map[string]string) Station {
	st := Station{
		ID: id,
		Boot: BootInfo{
			Vendor:          fields["vendor"],
			Model:           fields["model"],
			SerialNumber:    fields["serial_number"],
			FirmwareVersion: fields["firmware_version"],
		},
		BootedAt:      parseTime(fields["booted_at"]),
		LastHeartbeat: parseTime(fields["last_heartbeat"]),
	}
	for k, raw := range conns {
		n, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		var cs ConnectorStatus
		if err := json.Unmarshal([]byte(raw), &cs); err != nil {
			continue
		}
		if st.Connectors == nil {
			st.Connectors = make(map[int]ConnectorStatus, len(conns))
		}
		st.Connectors[n] = cs
	}
	return st
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *RedisStore) keyStations() string {
	return s.prefix + "stations"
}

func (s *RedisStore) keyStation(id string) string {
	return fmt.Sprintf("%sstation:%s", s.prefix, id)
}

func (s *RedisStore) keyConnectors(id string) string {
	return fmt.Sprintf("%sstation:%s:connectors", s.prefix, id)
}

func (s *RedisStore) keyTag(tag string) string {
	return fmt.Sprintf("%sidtag:%s", s.prefix, tag)
}

func (s *RedisStore) keyTxSeq() string {
	return s.prefix + "tx:seq"
}

func (s *RedisStore) keyTx(id int) string {
	return fmt.Sprintf("%stx:%d", s.prefix, id)
}
