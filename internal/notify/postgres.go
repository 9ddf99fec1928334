package notify

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"
)

// Postgres uses LISTEN/NOTIFY. Notifications are sent through db and
// received on a dedicated lib/pq listener connection.
type Postgres struct {
	*hub
	db       *sql.DB
	listener *pq.Listener
	log      *slog.Logger
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewPostgres starts listening on Channel using dsn.
func NewPostgres(ctx context.Context, db *sql.DB, dsn string, log *slog.Logger) (*Postgres, error) {
	if log == nil {
		log = slog.Default()
	}
	l := pq.NewListener(dsn, 100*time.Millisecond, 10*time.Second, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn("postgres listener event", "event", ev, "error", err)
		}
	})
	if err := l.Listen(Channel); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("listen %s: %w", Channel, err)
	}
	p := &Postgres{hub: newHub(), db: db, listener: l, log: log, done: make(chan struct{})}
	p.wg.Add(1)
	go p.loop()
	return p, nil
}

func (p *Postgres) loop() {
	defer p.wg.Done()
	keepalive := time.NewTicker(90 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-p.done:
			return
		case n, ok := <-p.listener.Notify:
			if !ok {
				return
			}
			// nil after a reconnect: notifications may have been missed.
			if n == nil {
				p.broadcast("")
				continue
			}
			p.broadcast(n.Extra)
		case <-keepalive.C:
			if err := p.listener.Ping(); err != nil {
				p.log.Warn("postgres listener ping failed", "error", err)
			}
		}
	}
}

func (p *Postgres) Notify(ctx context.Context, tag string) error {
	_, err := p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", Channel, tag)
	return err
}

func (p *Postgres) Close() error {
	close(p.done)
	err := p.listener.Close()
	p.wg.Wait()
	return err
}
