package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"aiminigames/sessionsync/internal/archive"
	"aiminigames/sessionsync/internal/config"
	"aiminigames/sessionsync/internal/httpapi"
	"aiminigames/sessionsync/internal/logging"
	"aiminigames/sessionsync/internal/queue"
	"aiminigames/sessionsync/internal/session"
	"aiminigames/sessionsync/internal/store/redisstore"
	"aiminigames/sessionsync/internal/store/sqlitestore"
)

// sinkSet holds the configured record sinks and the resources they own.
type sinkSet struct {
	multi   session.MultiSink
	cleaner *archive.Cleaner
	reader  httpapi.RecordReader
	closers []namedCloser
}

type namedCloser struct {
	name   string
	closer io.Closer
}

// buildSinks opens every sink enabled in cfg. A sink that fails to open aborts startup.
func buildSinks(ctx context.Context, cfg config.SinkConfig, logger *logging.Logger) (*sinkSet, error) {
	set := &sinkSet{}
	var readers readerChain

	if cfg.ArchiveDir != "" {
		writer, err := archive.NewWriter(cfg.ArchiveDir, logger)
		if err != nil {
			return nil, fmt.Errorf("archive sink: %w", err)
		}
		set.multi = append(set.multi, session.NamedSink{Name: "archive", Sink: writer})
		set.cleaner = archive.NewCleaner(writer.Root(), archive.RetentionPolicy{
			MaxSessions: cfg.ArchiveMaxSessions,
			MaxAge:      cfg.ArchiveMaxAge,
		}, logger)
	}
	//1.- Redis answers lookups before SQLite because its records are the freshest.
	if cfg.RedisAddr != "" {
		client, err := redisstore.NewClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			set.close(logger)
			return nil, fmt.Errorf("redis sink: %w", err)
		}
		store := redisstore.New(client, redisstore.Options{TTL: cfg.RedisTTL})
		set.multi = append(set.multi, session.NamedSink{Name: "redis", Sink: store})
		set.closers = append(set.closers, namedCloser{name: "redis", closer: store})
		readers = append(readers, store)
	}
	if cfg.SQLitePath != "" {
		store, err := sqlitestore.Open(cfg.SQLitePath)
		if err != nil {
			set.close(logger)
			return nil, fmt.Errorf("sqlite sink: %w", err)
		}
		set.multi = append(set.multi, session.NamedSink{Name: "sqlite", Sink: store})
		set.closers = append(set.closers, namedCloser{name: "sqlite", closer: store})
		readers = append(readers, store)
	}
	if cfg.AMQPURL != "" {
		publisher, err := queue.Dial(cfg.AMQPURL, cfg.AMQPQueue, logger)
		if err != nil {
			set.close(logger)
			return nil, fmt.Errorf("amqp sink: %w", err)
		}
		set.multi = append(set.multi, session.NamedSink{Name: "amqp", Sink: publisher})
		set.closers = append(set.closers, namedCloser{name: "amqp", closer: publisher})
	}
	if len(readers) > 0 {
		set.reader = readers
	}

	names := make([]string, 0, len(set.multi))
	for _, named := range set.multi {
		names = append(names, named.Name)
	}
	if len(names) == 0 {
		logger.Warn("no record sinks configured; ended sessions are not persisted")
	} else {
		logger.Info("record sinks ready", logging.Strings("sinks", names))
	}
	return set, nil
}

func (s *sinkSet) close(logger *logging.Logger) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		c := s.closers[i]
		if err := c.closer.Close(); err != nil {
			logger.Warn("record sink close failed", logging.String("sink", c.name), logging.Error(err))
		}
	}
	s.closers = nil
}

// readerChain asks each store in turn and returns the first record found.
type readerChain []httpapi.RecordReader

func (c readerChain) Get(ctx context.Context, sessionID string) (session.Record, error) {
	var errs []error
	for _, reader := range c {
		record, err := reader.Get(ctx, sessionID)
		if err == nil {
			return record, nil
		}
		if !errors.Is(err, session.ErrSessionNotFound) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return session.Record{}, errors.Join(errs...)
	}
	return session.Record{}, session.ErrSessionNotFound
}

// Recent merges the listings of every store. A record held by several stores is
// reported once, from the first store that has it. Failing stores are skipped
// unless all of them fail.
func (c readerChain) Recent(ctx context.Context, limit int) ([]session.Record, error) {
	var errs []error
	seen := make(map[string]struct{})
	var merged []session.Record
	for _, reader := range c {
		records, err := reader.Recent(ctx, limit)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, record := range records {
			if _, dup := seen[record.ID]; dup {
				continue
			}
			seen[record.ID] = struct{}{}
			merged = append(merged, record)
		}
	}
	if len(errs) == len(c) && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if !merged[i].EndedAt.Equal(merged[j].EndedAt) {
			return merged[i].EndedAt.After(merged[j].EndedAt)
		}
		return merged[i].ID < merged[j].ID
	})
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}
