package remote

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/go-mysql-org/go-mysql/canal"
	"go.uber.org/zap"

	"presenter-sync-service/internal/logger"
)

// BinlogListener turns row events on the remote changes table into
// coalesced wake-up signals for live replication.
type BinlogListener struct {
	cfg       BinlogOptions
	canal     *canal.Canal
	eventChan chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	table     string
	stopOnce  sync.Once
}

func NewBinlogListener(cfg BinlogOptions, schema, table string) (*BinlogListener, error) {
	c, err := canal.NewCanal(&canal.Config{
		Addr:     cfg.Addr,
		User:     cfg.User,
		Password: cfg.Password,
		Flavor:   "mysql",
		ServerID: cfg.ServerID,
		Dump: canal.DumpConfig{
			ExecutionPath: "", // binlog only, no initial dump
		},
		IncludeTableRegex: []string{fmt.Sprintf("^%s\\.%s$", regexp.QuoteMeta(schema), regexp.QuoteMeta(table))},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create canal: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	l := &BinlogListener{
		cfg:       cfg,
		canal:     c,
		eventChan: make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		table:     table,
	}

	c.SetEventHandler(&eventHandler{listener: l})

	return l, nil
}

func (l *BinlogListener) Start() error {
	pos, err := l.canal.GetMasterPos()
	if err != nil {
		return fmt.Errorf("failed to read master position: %w", err)
	}
	logger.Log.Info("Starting binlog listener", zap.String("addr", l.cfg.Addr), zap.String("file", pos.Name), zap.Uint32("pos", pos.Pos))

	go func() {
		if err := l.canal.RunFrom(pos); err != nil && l.ctx.Err() == nil {
			logger.Log.Error("Canal run error", zap.Error(err))
		}
	}()

	return nil
}

func (l *BinlogListener) Stop() {
	l.stopOnce.Do(func() {
		l.cancel()
		l.canal.Close()
		logger.Log.Info("Stopped binlog listener")
	})
}

func (l *BinlogListener) Events() <-chan struct{} {
	return l.eventChan
}

func (l *BinlogListener) notify() {
	select {
	case l.eventChan <- struct{}{}:
	default:
	}
}

type eventHandler struct {
	canal.DummyEventHandler
	listener *BinlogListener
}

func (h *eventHandler) OnRow(e *canal.RowsEvent) error {
	if e.Table == nil || e.Table.Name != h.listener.table {
		return nil
	}
	if e.Action != canal.InsertAction {
		return nil
	}
	if h.listener.ctx.Err() != nil {
		return h.listener.ctx.Err()
	}
	h.listener.notify()
	return nil
}

func (h *eventHandler) String() string {
	return "BinlogEventHandler"
}
