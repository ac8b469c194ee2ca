package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/gift-voucher/internal/apperr"
	"github.com/xenking/gift-voucher/internal/artifact"
	"github.com/xenking/gift-voucher/internal/domain/order"
)

type mockSender struct {
	mu   sync.Mutex
	fail map[string]error
	sent []*Message
}

func (m *mockSender) Send(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return m.fail[msg.To]
}

func (m *mockSender) byAddress(addr string) *Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.sent {
		if msg.To == addr {
			return msg
		}
	}
	return nil
}

func testArtifact() *artifact.Artifact {
	return &artifact.Artifact{
		ID:       "a1",
		OrderID:  "o1",
		FileName: "voucher-ABCD-EFGH-JKLM-NPQR.pdf",
		PDF:      []byte("%PDF-1.7"),
		View: &artifact.View{
			StoreName:    "Flower Shop",
			StoreEmail:   "shop@example.com",
			ProductName:  "Bouquet",
			Amount:       "25.50",
			Currency:     "USD",
			Code:         "ABCD-EFGH-JKLM-NPQR",
			ExpiresOn:    "15 Jan 2027",
			SenderName:   "Ann",
			ReceiverName: "Bob",
			ReceiverMail: "bob@example.com",
			PayerName:    "Ann",
			PayerMail:    "ann@example.com",
			Message:      "Enjoy & smile",
		},
	}
}

func newTestDispatcher(t *testing.T, s Sender) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(s)
	require.NoError(t, err)
	return d
}

func TestDispatchAll(t *testing.T) {
	sender := &mockSender{}
	d := newTestDispatcher(t, sender)

	res, err := d.DispatchAll(context.Background(), &order.Order{ID: "o1"}, testArtifact())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Delivered())
	assert.Empty(t, res.Failed())
	assert.Equal(t, "a1", res.ArtifactID)

	require.Len(t, sender.sent, 3)
	for _, msg := range sender.sent {
		require.Len(t, msg.Attachments, 1)
		assert.Equal(t, "voucher-ABCD-EFGH-JKLM-NPQR.pdf", msg.Attachments[0].Name)
		assert.Equal(t, "application/pdf", msg.Attachments[0].ContentType)
	}

	store := sender.byAddress("shop@example.com")
	require.NotNil(t, store)
	assert.Equal(t, "New gift voucher ABCD-EFGH-JKLM-NPQR sold: Bouquet", store.Subject)

	receiver := sender.byAddress("bob@example.com")
	require.NotNil(t, receiver)
	assert.Equal(t, "Ann sent you a gift from Flower Shop", receiver.Subject)
	assert.Contains(t, receiver.HTML, "Enjoy &amp; smile")

	payer := sender.byAddress("ann@example.com")
	require.NotNil(t, payer)
	assert.Equal(t, "Your gift voucher for Bob is on its way", payer.Subject)
	assert.NotEqual(t, receiver.HTML, payer.HTML)
}

func TestDispatchAll_PartialFailure(t *testing.T) {
	tests := []struct {
		name      string
		fail      []string
		delivered int
		wantErr   bool
	}{
		{name: "one of three fails", fail: []string{"shop@example.com"}, delivered: 2},
		{name: "two of three fail", fail: []string{"shop@example.com", "bob@example.com"}, delivered: 1},
		{name: "all fail", fail: []string{"shop@example.com", "bob@example.com", "ann@example.com"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &mockSender{fail: map[string]error{}}
			for _, addr := range tt.fail {
				sender.fail[addr] = errors.New("mailbox unavailable")
			}
			d := newTestDispatcher(t, sender)

			res, err := d.DispatchAll(context.Background(), &order.Order{ID: "o1"}, testArtifact())
			require.NotNil(t, res)
			assert.Len(t, sender.sent, 3, "every recipient is attempted")
			assert.Len(t, res.Failed(), len(tt.fail))
			if tt.wantErr {
				require.ErrorIs(t, err, ErrDispatch)
				assert.Equal(t, apperr.KindExternal, apperr.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.delivered, res.Delivered())
		})
	}
}

func TestDispatchAll_MissingAddress(t *testing.T) {
	sender := &mockSender{}
	d := newTestDispatcher(t, sender)
	a := testArtifact()
	a.View.StoreEmail = ""

	res, err := d.DispatchAll(context.Background(), &order.Order{ID: "o1"}, a)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Delivered())
	require.Len(t, res.Failed(), 1)
	assert.Equal(t, RecipientStore, res.Failed()[0].Recipient)
	assert.Len(t, sender.sent, 2)
}

func TestDispatchAll_OutcomesInRecipientOrder(t *testing.T) {
	d := newTestDispatcher(t, &mockSender{})

	res, err := d.DispatchAll(context.Background(), &order.Order{ID: "o1"}, testArtifact())
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 3)
	for i, r := range Recipients {
		assert.Equal(t, r, res.Outcomes[i].Recipient)
	}
}

func TestReceiverSubjectWithoutSender(t *testing.T) {
	sender := &mockSender{}
	d := newTestDispatcher(t, sender)
	a := testArtifact()
	a.View.SenderName = ""

	_, err := d.DispatchAll(context.Background(), &order.Order{ID: "o1"}, a)
	require.NoError(t, err)
	assert.Equal(t, "You received a gift from Flower Shop", sender.byAddress("bob@example.com").Subject)
}

func TestNewSMTP_UnknownTLSPolicy(t *testing.T) {
	_, err := NewSMTP(SMTPConfig{Host: "localhost", Port: 25, TLS: "sometimes"})
	require.Error(t, err)
}

func TestNewSMTP_Defaults(t *testing.T) {
	s, err := NewSMTP(SMTPConfig{Host: "localhost"})
	require.NoError(t, err)
	assert.Equal(t, 587, s.cfg.Port)
	assert.Equal(t, 15*time.Second, s.cfg.Timeout)
}

type deadlineSender struct {
	mu        sync.Mutex
	remaining []time.Duration
}

func (s *deadlineSender) Send(ctx context.Context, _ *Message) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		return errors.New("no deadline")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remaining = append(s.remaining, time.Until(deadline))
	return ctx.Err()
}

func TestWithSendTimeout_IgnoresNonPositive(t *testing.T) {
	sender := &deadlineSender{}
	d, err := NewDispatcher(sender, WithSendTimeout(0))
	require.NoError(t, err)

	res, err := d.DispatchAll(context.Background(), &order.Order{ID: "o1"}, testArtifact())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Delivered())
	require.Len(t, sender.remaining, 3)
	for _, left := range sender.remaining {
		assert.Greater(t, left, 20*time.Second)
	}
}
