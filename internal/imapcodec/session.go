// Package imapcodec implements connector.Connector on top of an IMAP client.
package imapcodec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"

	"github.com/NostraDavid/mail/connector"
	"github.com/NostraDavid/mail/credential"
	"github.com/NostraDavid/mail/db"
	"github.com/NostraDavid/mail/imap"
	"github.com/NostraDavid/mail/internal/supervisor"
)

type Config struct {
	Host     string
	Port     int
	Policy   db.ConnectionPolicy
	Resolver supervisor.Resolver
	Dialer   supervisor.StreamDialer

	// Debug receives the raw protocol exchange if set.
	Debug io.Writer
}

// NewConnectFunc returns a function dialing the server and opening a session over the stream.
func NewConnectFunc(cfg Config) supervisor.ConnectFunc[connector.Connector] {
	return func(ctx context.Context, cred credential.Credential) (connector.Connector, error) {
		conn, err := supervisor.Dial(ctx, cfg.Resolver, cfg.Dialer, cfg.Host, cfg.Port, cfg.Policy)
		if err != nil {
			return nil, err
		}

		session, err := NewSession(ctx, conn, cred, cfg.Debug)
		if err != nil {
			return nil, err
		}

		return session, nil
	}
}

// Session is a connector.Connector speaking IMAP over a single stream.
type Session struct {
	client *imapclient.Client
	caps   imap.Capabilities

	// changes is signalled whenever the server sends unsolicited mailbox data.
	changes chan struct{}

	lock     sync.Mutex
	selected string
}

// NewSession greets and authenticates over an established stream. The stream is closed on failure.
func NewSession(ctx context.Context, conn net.Conn, cred credential.Credential, debug io.Writer) (*Session, error) {
	session := &Session{changes: make(chan struct{}, 1)}

	session.client = imapclient.New(conn, &imapclient.Options{
		DebugWriter: debug,
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Expunge: func(uint32) { session.notify() },
			Mailbox: func(*imapclient.UnilateralDataMailbox) { session.notify() },
			Fetch:   func(*imapclient.FetchMessageData) { session.notify() },
		},
	})

	if err := session.handshake(ctx, cred); err != nil {
		_ = session.client.Close()
		return nil, err
	}

	return session, nil
}

func (s *Session) handshake(ctx context.Context, cred credential.Credential) error {
	defer s.guard(ctx)()

	if err := s.client.WaitGreeting(); err != nil {
		return s.mapError(ctx, err)
	}

	var err error

	switch cred.Kind {
	case credential.KindOAuth:
		err = s.client.Authenticate(sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: cred.Username,
			Token:    cred.Secret,
		}))

	default:
		err = s.client.Login(cred.Username, cred.Secret).Wait()
	}

	if err != nil {
		var imapErr *goimap.Error

		if errors.As(err, &imapErr) && imapErr.Type == goimap.StatusResponseTypeNo {
			return fmt.Errorf("%w: %v", connector.ErrAuthExpired, imapErr.Text)
		}

		return s.mapError(ctx, err)
	}

	caps := s.client.Caps()

	s.caps = imap.Capabilities{
		Idle:       caps.Has(goimap.CapIdle),
		CondStore:  caps.Has(goimap.CapCondStore),
		SpecialUse: caps.Has(goimap.CapSpecialUse),
		UIDPlus:    caps.Has(goimap.CapUIDPlus) || caps.Has(goimap.CapIMAP4rev2),
	}

	return nil
}

func (s *Session) Capabilities() imap.Capabilities {
	return s.caps
}

func (s *Session) ListMailboxes(ctx context.Context) ([]connector.MailboxInfo, error) {
	defer s.guard(ctx)()

	var options *goimap.ListOptions

	if s.caps.SpecialUse {
		options = &goimap.ListOptions{ReturnSpecialUse: true}
	}

	list, err := s.client.List("", "*", options).Collect()
	if err != nil {
		return nil, s.mapError(ctx, err)
	}

	mailboxes := make([]connector.MailboxInfo, 0, len(list))

	for _, data := range list {
		info := connector.MailboxInfo{Name: data.Mailbox}

		if data.Delim != 0 {
			info.Delimiter = string(data.Delim)
		}

		for _, attr := range data.Attrs {
			info.Attributes = append(info.Attributes, string(attr))
		}

		mailboxes = append(mailboxes, info)
	}

	return mailboxes, nil
}

func (s *Session) Select(ctx context.Context, name string) (connector.Status, error) {
	defer s.guard(ctx)()

	var options *goimap.SelectOptions

	if s.caps.CondStore {
		options = &goimap.SelectOptions{CondStore: true}
	}

	data, err := s.client.Select(name, options).Wait()
	if err != nil {
		return connector.Status{}, s.mapError(ctx, err)
	}

	if data.UIDValidity == 0 {
		return connector.Status{}, fmt.Errorf("%w: mailbox %v has no UIDVALIDITY", connector.ErrProtocolViolation, name)
	}

	s.lock.Lock()
	s.selected = name
	s.lock.Unlock()

	s.drainChanges()

	status := connector.Status{
		Validity: imap.UIDValidity(data.UIDValidity),
		UIDNext:  imap.UID(data.UIDNext),
		Messages: data.NumMessages,
	}

	if s.caps.CondStore {
		status.HighestModSeq = imap.ModSeq(data.HighestModSeq)
	}

	return status, nil
}

func (s *Session) UIDs(ctx context.Context, r imap.UIDRange) ([]imap.UID, error) {
	defer s.guard(ctx)()

	if err := s.checkSelected(); err != nil {
		return nil, err
	}

	criteria := &goimap.SearchCriteria{}

	if r.Start > 1 || r.Stop != 0 {
		criteria.UID = []goimap.UIDSet{uidRangeSet(r)}
	}

	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, s.mapError(ctx, err)
	}

	s.drainChanges()

	all := data.AllUIDs()

	uids := make([]imap.UID, 0, len(all))

	for _, uid := range all {
		// "n:*" matches the largest UID even when it is below n.
		if r.Contains(imap.UID(uid)) {
			uids = append(uids, imap.UID(uid))
		}
	}

	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	return uids, nil
}

func (s *Session) Flags(ctx context.Context, uids imap.UIDRange, changedSince imap.ModSeq) ([]connector.FlagState, error) {
	defer s.guard(ctx)()

	if err := s.checkSelected(); err != nil {
		return nil, err
	}

	options := &goimap.FetchOptions{UID: true, Flags: true}

	if s.caps.CondStore {
		options.ModSeq = true
		options.ChangedSince = uint64(changedSince)
	}

	buffers, err := s.client.Fetch(uidRangeSet(uids), options).Collect()
	if err != nil {
		return nil, s.mapError(ctx, err)
	}

	states := make([]connector.FlagState, 0, len(buffers))

	for _, buf := range buffers {
		states = append(states, connector.FlagState{
			UID:    imap.UID(buf.UID),
			Flags:  toFlagSet(buf.Flags),
			ModSeq: imap.ModSeq(buf.ModSeq),
		})
	}

	sort.SliceStable(states, func(i, j int) bool { return states[i].UID < states[j].UID })

	return states, nil
}

func (s *Session) Fetch(ctx context.Context, uids []imap.UID) ([]connector.RemoteMessage, error) {
	defer s.guard(ctx)()

	if err := s.checkSelected(); err != nil {
		return nil, err
	}

	if len(uids) == 0 {
		return nil, nil
	}

	section := &goimap.FetchItemBodySection{Peek: true}

	options := &goimap.FetchOptions{
		UID:          true,
		Flags:        true,
		InternalDate: true,
		RFC822Size:   true,
		Envelope:     true,
		ModSeq:       s.caps.CondStore,
		BodySection:  []*goimap.FetchItemBodySection{section},
	}

	set := make([]goimap.UID, 0, len(uids))

	for _, uid := range uids {
		set = append(set, goimap.UID(uid))
	}

	buffers, err := s.client.Fetch(goimap.UIDSetNum(set...), options).Collect()
	if err != nil {
		return nil, s.mapError(ctx, err)
	}

	messages := make([]connector.RemoteMessage, 0, len(buffers))

	for _, buf := range buffers {
		messages = append(messages, connector.RemoteMessage{
			UID:          imap.UID(buf.UID),
			Flags:        toFlagSet(buf.Flags),
			ModSeq:       imap.ModSeq(buf.ModSeq),
			Size:         buf.RFC822Size,
			InternalDate: buf.InternalDate,
			Envelope:     toEnvelope(buf.Envelope),
			Literal:      buf.FindBodySection(section),
		})
	}

	sort.SliceStable(messages, func(i, j int) bool { return messages[i].UID < messages[j].UID })

	return messages, nil
}

func (s *Session) StoreFlags(ctx context.Context, uid imap.UID, add, remove []string) error {
	defer s.guard(ctx)()

	if err := s.checkSelected(); err != nil {
		return err
	}

	set := goimap.UIDSetNum(goimap.UID(uid))

	for _, op := range []struct {
		op    goimap.StoreFlagsOp
		flags []string
	}{
		{op: goimap.StoreFlagsAdd, flags: add},
		{op: goimap.StoreFlagsDel, flags: remove},
	} {
		if len(op.flags) == 0 {
			continue
		}

		flags := make([]goimap.Flag, 0, len(op.flags))

		for _, flag := range op.flags {
			flags = append(flags, goimap.Flag(flag))
		}

		if err := s.client.Store(set, &goimap.StoreFlags{Op: op.op, Silent: true, Flags: flags}, nil).Close(); err != nil {
			return s.mapError(ctx, err)
		}
	}

	return nil
}

// Move uses MOVE where the server has it and falls back to COPY, STORE and EXPUNGE otherwise.
func (s *Session) Move(ctx context.Context, uid imap.UID, target string) (imap.UIDValidity, imap.UID, error) {
	defer s.guard(ctx)()

	if err := s.checkSelected(); err != nil {
		return 0, 0, err
	}

	data, err := s.client.Move(goimap.UIDSetNum(goimap.UID(uid)), target).Wait()
	if err != nil {
		return 0, 0, s.mapError(ctx, err)
	}

	// The expunge of the source is our own change.
	s.drainChanges()

	if data == nil || data.UIDValidity == 0 {
		return 0, 0, nil
	}

	dest, ok := any(data.DestUIDs).(goimap.UIDSet)
	if !ok {
		return 0, 0, nil
	}

	uids, ok := dest.Nums()
	if !ok || len(uids) != 1 {
		return 0, 0, nil
	}

	return imap.UIDValidity(data.UIDValidity), imap.UID(uids[0]), nil
}

// WaitForChanges idles on the selected mailbox if the server supports it, otherwise it waits for
// the timeout and then polls with NOOP.
func (s *Session) WaitForChanges(ctx context.Context, timeout time.Duration) (bool, error) {
	if err := s.checkSelected(); err != nil {
		return false, err
	}

	if s.takeChange() {
		return true, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if !s.caps.Idle {
		select {
		case <-timer.C:
		case <-ctx.Done():
			return false, ctx.Err()
		}

		defer s.guard(ctx)()

		if err := s.client.Noop().Wait(); err != nil {
			return false, s.mapError(ctx, err)
		}

		return s.takeChange(), nil
	}

	// IDLE is ended with DONE on cancellation so the session stays usable for the next pass.
	idle, err := s.client.Idle()
	if err != nil {
		return false, s.mapError(ctx, err)
	}

	var changed bool

	select {
	case <-s.changes:
		changed = true

	case <-timer.C:

	case <-ctx.Done():
	}

	if err := idle.Close(); err != nil {
		return false, s.mapError(ctx, err)
	}

	if err := idle.Wait(); err != nil {
		return false, s.mapError(ctx, err)
	}

	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	return changed || s.takeChange(), nil
}

// Close logs out. The server hanging up first is not an error.
func (s *Session) Close() error {
	logoutErr := s.client.Logout().Wait()

	if err := s.client.Close(); err != nil && logoutErr != nil {
		return err
	}

	return nil
}

func (s *Session) checkSelected() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.selected == "" {
		return fmt.Errorf("%w: no mailbox selected", connector.ErrProtocolViolation)
	}

	return nil
}

func (s *Session) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func (s *Session) takeChange() bool {
	select {
	case <-s.changes:
		return true

	default:
		return false
	}
}

// drainChanges forgets notifications about state the caller has just read.
func (s *Session) drainChanges() {
	s.takeChange()
}

// guard closes the connection if ctx is done while a command runs. The returned func must be deferred.
func (s *Session) guard(ctx context.Context) func() {
	stop := context.AfterFunc(ctx, func() { _ = s.client.Close() })

	return func() { stop() }
}

func (s *Session) mapError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var imapErr *goimap.Error

	if !errors.As(err, &imapErr) {
		if connector.IsTransient(err) {
			return err
		}

		return fmt.Errorf("%w: %v", connector.ErrUnreachable, err)
	}

	switch {
	case imapErr.Code == goimap.ResponseCodeNonExistent:
		return fmt.Errorf("%w: %v", connector.ErrMailboxNotFound, imapErr.Text)

	case imapErr.Code == goimap.ResponseCodeAuthenticationFailed, imapErr.Code == goimap.ResponseCodeExpired:
		return fmt.Errorf("%w: %v", connector.ErrAuthExpired, imapErr.Text)

	case imapErr.Type == goimap.StatusResponseTypeBye:
		return fmt.Errorf("%w: %v", connector.ErrUnreachable, imapErr.Text)

	case imapErr.Code == goimap.ResponseCodeUnavailable, imapErr.Code == goimap.ResponseCodeInUse:
		return fmt.Errorf("%w: %v", connector.ErrUnreachable, imapErr.Text)

	case strings.Contains(strings.ToLower(imapErr.Text), "no such mailbox"):
		return fmt.Errorf("%w: %v", connector.ErrMailboxNotFound, imapErr.Text)

	default:
		return fmt.Errorf("%w: %v", connector.ErrProtocolViolation, err)
	}
}

func uidRangeSet(r imap.UIDRange) goimap.UIDSet {
	start := r.Start
	if start == 0 {
		start = 1
	}

	return goimap.UIDSet{goimap.UIDRange{Start: goimap.UID(start), Stop: goimap.UID(r.Stop)}}
}

func toFlagSet(flags []goimap.Flag) imap.FlagSet {
	values := make([]string, 0, len(flags))

	for _, flag := range flags {
		values = append(values, string(flag))
	}

	return imap.NewFlagSet(values...)
}

func toEnvelope(env *goimap.Envelope) *connector.Envelope {
	if env == nil {
		return nil
	}

	out := &connector.Envelope{
		MessageID: env.MessageID,
		Subject:   env.Subject,
		Date:      env.Date,
	}

	if len(env.From) > 0 {
		out.From = strings.ToLower(env.From[0].Addr())
	}

	for _, addrs := range [][]goimap.Address{env.To, env.Cc} {
		for _, addr := range addrs {
			out.To = append(out.To, strings.ToLower(addr.Addr()))
		}
	}

	return out
}
