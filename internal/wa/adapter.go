// Package wa adapts the whatsmeow client to the event bus: it converts
// protocol events into the source records the sync router consumes, and
// exposes the device store's LID mapping for identity resolution.
package wa

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/matheus3301/wastore/internal/session"
	"go.mau.fi/whatsmeow"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"

	_ "github.com/mattn/go-sqlite3"
)

// Adapter wraps the whatsmeow client and manages the WhatsApp connection.
type Adapter struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	logger    *zap.Logger
	session   string
}

// NewAdapter creates a new WhatsApp adapter for the given session.
func NewAdapter(ctx context.Context, sessionName string, logger *zap.Logger) (*Adapter, error) {
	// Set device name shown on the phone's linked devices list.
	wastore.SetOSInfo("WAStore", [3]uint32{0, 1, 0})

	dbPath := session.SessionDBPath(sessionName)

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", dbPath),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create session store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device store: %w", err)
	}

	client := whatsmeow.NewClient(deviceStore, nil)

	return &Adapter{
		client:    client,
		container: container,
		logger:    logger,
		session:   sessionName,
	}, nil
}

// Client returns the underlying whatsmeow client.
func (a *Adapter) Client() *whatsmeow.Client {
	return a.client
}

// IsLoggedIn returns whether the adapter has valid credentials.
func (a *Adapter) IsLoggedIn() bool {
	return a.client.Store.ID != nil
}

// Connect initiates the WhatsApp connection.
func (a *Adapter) Connect() error {
	a.logger.Info("connecting to WhatsApp")
	return a.client.Connect()
}

// Disconnect terminates the WhatsApp connection.
func (a *Adapter) Disconnect() {
	a.logger.Info("disconnecting from WhatsApp")
	a.client.Disconnect()
}

// Logout invalidates the session and removes credentials.
func (a *Adapter) Logout(ctx context.Context) error {
	return a.client.Logout(ctx)
}

// RegisterEventHandler adds a handler for whatsmeow events.
func (a *Adapter) RegisterEventHandler(handler whatsmeow.EventHandler) {
	a.client.AddEventHandler(handler)
}

// GetQRChannel returns the QR channel for pairing. Must be called before Connect.
func (a *Adapter) GetQRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error) {
	if a.IsLoggedIn() {
		return nil, fmt.Errorf("already logged in")
	}
	ch, err := a.client.GetQRChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("get QR channel: %w", err)
	}
	return ch, nil
}

// PhoneNumber returns the phone number from the device store, or empty string.
func (a *Adapter) PhoneNumber() string {
	if a.client.Store.ID == nil {
		return ""
	}
	return a.client.Store.ID.User
}

// PNForLID resolves a hidden-address user to its phone-number user via the
// device store mapping. Implements identity.Lookup. Returns empty with nil
// error when the mapping is unknown.
func (a *Adapter) PNForLID(ctx context.Context, lidUser string) (string, error) {
	if a.client == nil || a.client.Store == nil || a.client.Store.LIDs == nil {
		return "", nil
	}
	lid := types.NewJID(lidUser, types.HiddenUserServer)
	pn, err := a.client.Store.LIDs.GetPNForLID(ctx, lid)
	if err != nil {
		return "", fmt.Errorf("lid lookup %q: %w", lidUser, err)
	}
	if pn.IsEmpty() {
		return "", nil
	}
	return pn.User, nil
}

// CredsSnapshot serializes the current device identity for persistence.
// Returns nil when the device is not yet paired.
func (a *Adapter) CredsSnapshot() json.RawMessage {
	if a.client == nil || a.client.Store == nil || a.client.Store.ID == nil {
		return nil
	}
	snap := map[string]any{
		"id":       a.client.Store.ID.String(),
		"pushName": a.client.Store.PushName,
		"platform": a.client.Store.Platform,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil
	}
	return data
}
