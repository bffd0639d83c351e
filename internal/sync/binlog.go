package sync

import (
	"context"
	"fmt"

	"github.com/go-mysql-org/go-mysql/canal"
	"go.uber.org/zap"

	"offline-sync-engine/internal/config"
	"offline-sync-engine/internal/logger"
)

// BinlogListener captures row mutations of the configured local tables from
// the MySQL binlog and publishes them as ChangeEvents.
type BinlogListener struct {
	cfg       config.DatabaseConnection
	canal     *canal.Canal
	eventChan chan ChangeEvent
	ctx       context.Context
	cancel    context.CancelFunc
	tables    map[string]string // table -> configured primary key
	done      chan struct{}
}

func NewBinlogListener(cfg config.DatabaseConnection, tables []Entity) (*BinlogListener, error) {
	tableMap := make(map[string]string)
	var tableRegex []string
	for _, t := range tables {
		tableMap[t.Name] = t.PrimaryKey
		tableRegex = append(tableRegex, fmt.Sprintf("^%s\\.%s$", cfg.Database, t.Name))
	}

	serverID := cfg.ServerID
	if serverID == 0 {
		serverID = 100
	}
	c, err := canal.NewCanal(&canal.Config{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		User:     cfg.ReplicationUser,
		Password: cfg.ReplicationPassword,
		Flavor:   "mysql",
		ServerID: serverID,
		Dump: canal.DumpConfig{
			ExecutionPath: "", // binlog only, no initial dump
		},
		IncludeTableRegex: tableRegex,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create canal: %w", err)
	}

	l := newListener(cfg, tableMap)
	l.canal = c
	c.SetEventHandler(&eventHandler{listener: l})
	return l, nil
}

func newListener(cfg config.DatabaseConnection, tables map[string]string) *BinlogListener {
	ctx, cancel := context.WithCancel(context.Background())
	return &BinlogListener{
		cfg:       cfg,
		eventChan: make(chan ChangeEvent, 10000),
		ctx:       ctx,
		cancel:    cancel,
		tables:    tables,
		done:      make(chan struct{}),
	}
}

func (l *BinlogListener) Start() error {
	logger.Log.Info("Starting binlog listener", zap.String("host", l.cfg.Host))

	go func() {
		defer close(l.done)
		if err := l.canal.Run(); err != nil && l.ctx.Err() == nil {
			logger.Log.Error("Canal run error", zap.Error(err))
		}
	}()
	return nil
}

// Stop closes the replication connection and then the event channel.
func (l *BinlogListener) Stop() {
	l.cancel()
	l.canal.Close()
	<-l.done
	close(l.eventChan)
	logger.Log.Info("Stopped binlog listener")
}

func (l *BinlogListener) Events() <-chan ChangeEvent {
	return l.eventChan
}

// publish blocks while the channel is full so capture applies backpressure.
func (l *BinlogListener) publish(ev ChangeEvent) error {
	select {
	case l.eventChan <- ev:
		return nil
	case <-l.ctx.Done():
		return l.ctx.Err()
	}
}

type eventHandler struct {
	canal.DummyEventHandler
	listener *BinlogListener
}

func (h *eventHandler) OnRow(e *canal.RowsEvent) error {
	ev, ok := h.listener.toChangeEvent(e)
	if !ok {
		return nil
	}
	if h.listener.canal != nil {
		pos := h.listener.canal.SyncedPosition()
		ev.BinlogFile, ev.BinlogPos = pos.Name, pos.Pos
	}
	return h.listener.publish(ev)
}

func (h *eventHandler) String() string {
	return "BinlogEventHandler"
}

// toChangeEvent keys row images by column name. Update events carry
// before/after pairs; only the after images are kept.
func (l *BinlogListener) toChangeEvent(e *canal.RowsEvent) (ChangeEvent, bool) {
	if e == nil || e.Table == nil {
		return ChangeEvent{}, false
	}
	pk, ok := l.tables[e.Table.Name]
	if !ok {
		return ChangeEvent{}, false
	}

	var typ EventType
	switch e.Action {
	case canal.InsertAction:
		typ = Insert
	case canal.UpdateAction:
		typ = Update
	case canal.DeleteAction:
		typ = Delete
	default:
		return ChangeEvent{}, false
	}

	if pk == "" {
		if col := e.Table.GetPKColumn(0); col != nil {
			pk = col.Name
		}
	}

	ev := ChangeEvent{
		Type:       typ,
		Schema:     e.Table.Schema,
		Table:      e.Table.Name,
		PrimaryKey: pk,
	}
	if e.Header != nil {
		ev.Timestamp = e.Header.Timestamp
	}
	for i, raw := range e.Rows {
		if typ == Update && i%2 == 0 {
			continue
		}
		row := make(map[string]any, len(raw))
		for c, v := range raw {
			if c >= len(e.Table.Columns) {
				break
			}
			if b, isBytes := v.([]byte); isBytes {
				v = string(b)
			}
			row[e.Table.Columns[c].Name] = v
		}
		ev.Rows = append(ev.Rows, row)
	}
	return ev, true
}
