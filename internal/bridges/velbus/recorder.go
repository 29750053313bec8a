package velbus

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
)

// DiscoveredModule is a row of the velbus_modules table.
type DiscoveredModule struct {
	Address      byte
	ModuleType   string
	FirstSeen    int64
	LastSeen     int64
	MessageCount int64
}

// ModuleRecorder passively records module addresses seen on the bus
// that no configured module claims. It is installed as the client's
// default packet listener.
//
// When a module answers a module type request (0xFF) the recorder looks
// the type code up in the catalogue, stores the model and reports it to
// the OnDiscovered callback.
//
// Thread Safety: All methods are safe for concurrent use.
type ModuleRecorder struct {
	db        *sql.DB
	catalogue *Catalogue
	clock     clockwork.Clock

	upsertStmt *sql.Stmt
	typeStmt   *sql.Stmt
	stmtMu     sync.Mutex

	onDiscovered func(DiscoveredDevice)
	callbackMu   sync.RWMutex

	closed bool
	mu     sync.RWMutex

	logger Logger
}

// NewModuleRecorder creates a recorder on a database holding the
// velbus_modules table.
func NewModuleRecorder(db *sql.DB, catalogue *Catalogue, clock clockwork.Clock) *ModuleRecorder {
	if catalogue == nil {
		catalogue = NewCatalogue()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ModuleRecorder{
		db:        db,
		catalogue: catalogue,
		clock:     clock,
	}
}

// SetLogger sets the logger for the recorder.
func (r *ModuleRecorder) SetLogger(logger Logger) {
	r.logger = logger
}

// SetOnDiscovered registers a callback for modules that identified their type.
func (r *ModuleRecorder) SetOnDiscovered(callback func(DiscoveredDevice)) {
	r.callbackMu.Lock()
	r.onDiscovered = callback
	r.callbackMu.Unlock()
}

// Start prepares the recorder for use.
// Must be called before frames are recorded.
func (r *ModuleRecorder) Start() error {
	r.stmtMu.Lock()
	defer r.stmtMu.Unlock()

	if r.upsertStmt != nil {
		return nil
	}

	upsert, err := r.db.Prepare(`
		INSERT INTO velbus_modules (address, first_seen, last_seen, message_count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(address) DO UPDATE SET
			last_seen = excluded.last_seen,
			message_count = message_count + 1
	`)
	if err != nil {
		return fmt.Errorf("preparing module upsert statement: %w", err)
	}

	typeStmt, err := r.db.Prepare(`
		UPDATE velbus_modules SET module_type = ?, type_code = ? WHERE address = ?
	`)
	if err != nil {
		upsert.Close()
		return fmt.Errorf("preparing module type statement: %w", err)
	}

	r.upsertStmt = upsert
	r.typeStmt = typeStmt
	r.logInfo("module recorder started")
	return nil
}

// Stop closes the recorder and releases resources.
func (r *ModuleRecorder) Stop() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.stmtMu.Lock()
	defer r.stmtMu.Unlock()

	if r.upsertStmt != nil {
		r.upsertStmt.Close()
		r.upsertStmt = nil
	}
	if r.typeStmt != nil {
		r.typeStmt.Close()
		r.typeStmt = nil
	}
}

// OnPacketReceived records the source address of an unclaimed frame.
func (r *ModuleRecorder) OnPacketReceived(frame []byte) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return
	}

	r.stmtMu.Lock()
	upsert, typeStmt := r.upsertStmt, r.typeStmt
	r.stmtMu.Unlock()
	if upsert == nil {
		return
	}

	address, ok := FrameAddress(frame)
	if !ok || address == BroadcastAddress {
		return
	}

	now := r.clock.Now().Unix()
	key := FormatAddress(address)
	if _, err := upsert.Exec(key, now, now); err != nil {
		r.logError("recording module", err)
		return
	}

	cmd, ok := FrameCommand(frame)
	if !ok || cmd != CommandModuleType {
		return
	}
	packet, err := DecodePacket(frame)
	if err != nil || len(packet.Data) < 2 {
		return
	}

	code := packet.Data[1]
	product := ""
	if t, known := r.catalogue.LookupCode(code); known {
		product = t.Name
	}
	if _, err := typeStmt.Exec(product, int64(code), key); err != nil {
		r.logError("recording module type", err)
		return
	}

	r.callbackMu.RLock()
	callback := r.onDiscovered
	r.callbackMu.RUnlock()
	if callback != nil {
		callback(DiscoveredDevice{
			Protocol:     Protocol,
			Address:      key,
			Product:      product,
			Manufacturer: "Velleman",
		})
	}
}

// Modules returns all recorded modules, most recently seen first.
func (r *ModuleRecorder) Modules(ctx context.Context) ([]DiscoveredModule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT address, module_type, first_seen, last_seen, message_count
		FROM velbus_modules
		ORDER BY last_seen DESC, address ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying modules: %w", err)
	}
	defer rows.Close()

	var modules []DiscoveredModule
	for rows.Next() {
		var m DiscoveredModule
		var address string
		if err := rows.Scan(&address, &m.ModuleType, &m.FirstSeen, &m.LastSeen, &m.MessageCount); err != nil {
			return nil, fmt.Errorf("scanning module: %w", err)
		}
		if m.Address, err = ParseAddress(address); err != nil {
			return nil, err
		}
		modules = append(modules, m)
	}
	return modules, rows.Err()
}

// ModuleCount returns the number of recorded modules.
func (r *ModuleRecorder) ModuleCount(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM velbus_modules`).Scan(&count)
	return count, err
}

func (r *ModuleRecorder) logInfo(msg string, keysAndValues ...any) {
	if r.logger != nil {
		r.logger.Info(msg, keysAndValues...)
	}
}

func (r *ModuleRecorder) logError(msg string, err error) {
	if r.logger != nil {
		r.logger.Error(msg, "error", err)
	}
}
