package intake

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mailhaven/models"
	"mailhaven/queue"
	"mailhaven/storage"
)

type outboundFixture struct {
	db       *gorm.DB
	rdb      *redis.Client
	queue    *queue.DeliveryQueue
	outbound *Outbound
}

func newOutboundFixture(t *testing.T) *outboundFixture {
	t.Helper()
	db := testDB(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := logrus.New()

	blobs, err := storage.NewBlobStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	q := queue.NewDeliveryQueue(rdb, "delivery", log)

	return &outboundFixture{
		db:       db,
		rdb:      rdb,
		queue:    q,
		outbound: NewOutbound(db, blobs, q, log),
	}
}

func (f *outboundFixture) seedSender(t *testing.T, email string) *models.User {
	t.Helper()
	org := models.Organization{Name: "org-" + email}
	if err := f.db.Create(&org).Error; err != nil {
		t.Fatal(err)
	}
	user := models.User{Email: email, PasswordHash: "x", OrganizationID: org.ID}
	if err := f.db.Create(&user).Error; err != nil {
		t.Fatal(err)
	}
	return &user
}

func TestOutboundRequiresAuthentication(t *testing.T) {
	f := newOutboundFixture(t)
	d := f.outbound.OnOutboundRelay(context.Background(), &OutboundTransaction{
		Raw:       rawMessage("", "a@b.test", "c@d.test", "x", "y"),
		UserEmail: "",
	})
	if d.Code != RejectPermanent {
		t.Fatalf("decision = %+v", d)
	}
	if !strings.Contains(d.Message, "authentication required") {
		t.Fatalf("message = %q", d.Message)
	}
}

func TestOutboundUnknownUserRejected(t *testing.T) {
	f := newOutboundFixture(t)
	d := f.outbound.OnOutboundRelay(context.Background(), &OutboundTransaction{
		Raw:       rawMessage("", "ghost@example.com", "c@d.test", "x", "y"),
		UserEmail: "ghost@example.com",
	})
	if d.Code != RejectPermanent {
		t.Fatalf("decision = %+v", d)
	}
	if !strings.Contains(d.Message, "does not exist") {
		t.Fatalf("message = %q", d.Message)
	}
}

func TestOutboundPersistsQueuedAndEnqueues(t *testing.T) {
	f := newOutboundFixture(t)
	user := f.seedSender(t, "alice@example.com")
	ctx := context.Background()

	raw := rawMessage("<out1@example.com>", "alice@example.com", "bob@remote.test", "ping", "hello bob")
	d := f.outbound.OnOutboundRelay(ctx, &OutboundTransaction{
		Raw:        raw,
		MailFrom:   "alice@example.com",
		Recipients: []string{"bob@remote.test"},
		UserEmail:  "alice@example.com",
	})
	if d.Code != Accept {
		t.Fatalf("decision = %+v", d)
	}

	var msg models.Message
	if err := f.db.Where("user_id = ?", user.ID).First(&msg).Error; err != nil {
		t.Fatal(err)
	}
	if msg.Status != models.StatusQueued || msg.Folder != models.FolderSent || msg.Direction != models.DirectionOutbound {
		t.Fatalf("msg = %s/%s/%s", msg.Status, msg.Folder, msg.Direction)
	}
	if msg.ThreadID != msg.Ref {
		t.Fatalf("composed mail should start its own thread: %s vs %s", msg.ThreadID, msg.Ref)
	}

	job, _, err := f.queue.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.MessageID != msg.Ref {
		t.Fatalf("job = %+v, want message id %s", job, msg.Ref)
	}
}

func TestOutboundJobPayloadShape(t *testing.T) {
	f := newOutboundFixture(t)
	f.seedSender(t, "carol@example.com")
	ctx := context.Background()

	raw := rawMessage("", "carol@example.com", "x@remote.test", "s", "b")
	if d := f.outbound.OnOutboundRelay(ctx, &OutboundTransaction{
		Raw:        raw,
		MailFrom:   "carol@example.com",
		Recipients: []string{"x@remote.test"},
		UserEmail:  "carol@example.com",
	}); d.Code != Accept {
		t.Fatalf("decision = %+v", d)
	}

	payload, err := f.rdb.LRange(ctx, "queue:delivery", 0, -1).Result()
	if err != nil || len(payload) != 1 {
		t.Fatalf("payload = %v, err = %v", payload, err)
	}
	var decoded map[string]string
	if err := json.Unmarshal([]byte(payload[0]), &decoded); err != nil {
		t.Fatal(err)
	}
	if _, ok := decoded["message_id"]; !ok || len(decoded) != 1 {
		t.Fatalf("wire payload = %q", payload[0])
	}
}

func TestOutboundBccDerivedFromEnvelope(t *testing.T) {
	f := newOutboundFixture(t)
	user := f.seedSender(t, "dave@example.com")

	raw := rawMessage("", "dave@example.com", "to@remote.test", "s", "b")
	d := f.outbound.OnOutboundRelay(context.Background(), &OutboundTransaction{
		Raw:        raw,
		MailFrom:   "dave@example.com",
		Recipients: []string{"to@remote.test", "hidden@remote.test"},
		UserEmail:  "dave@example.com",
	})
	if d.Code != Accept {
		t.Fatalf("decision = %+v", d)
	}

	var msg models.Message
	f.db.Where("user_id = ?", user.ID).First(&msg)
	if msg.ToAddresses != "to@remote.test" {
		t.Fatalf("to = %q", msg.ToAddresses)
	}
	if msg.BccAddresses != "hidden@remote.test" {
		t.Fatalf("bcc = %q", msg.BccAddresses)
	}
	got := msg.RecipientList()
	if len(got) != 2 {
		t.Fatalf("recipient list = %v", got)
	}
}

func TestOutboundEnqueueFailureRollsBack(t *testing.T) {
	f := newOutboundFixture(t)
	user := f.seedSender(t, "erin@example.com")

	// Kill redis so the enqueue after persist fails
	f.rdb.Close()

	raw := rawMessage("", "erin@example.com", "x@remote.test", "s", "b")
	d := f.outbound.OnOutboundRelay(context.Background(), &OutboundTransaction{
		Raw:        raw,
		MailFrom:   "erin@example.com",
		Recipients: []string{"x@remote.test"},
		UserEmail:  "erin@example.com",
	})
	if d.Code != RejectTemporary {
		t.Fatalf("decision = %+v", d)
	}

	var count int64
	f.db.Model(&models.Message{}).Where("user_id = ?", user.ID).Count(&count)
	if count != 0 {
		t.Fatalf("orphan message row left behind, count = %d", count)
	}
}

func TestOutboundRefusesInbound(t *testing.T) {
	f := newOutboundFixture(t)
	d := f.outbound.OnMessageReceived(context.Background(), &Transaction{})
	if d.Code != RejectPermanent {
		t.Fatalf("decision = %+v", d)
	}
}
