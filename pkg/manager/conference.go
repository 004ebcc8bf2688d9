package manager

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/arzzra/sessiond/pkg/conference"
	"github.com/arzzra/sessiond/pkg/logger"
	"github.com/arzzra/sessiond/pkg/session"
)

// lockAttempts сколько раз scope перечитывает состав конференций,
// изменившийся между чтением и захватом блокировок
const lockAttempts = 8

// scope набор сессий и конференций под блокировками одной операции.
// Сессии блокируются по возрастанию id, затем конференции по возрастанию id.
type scope struct {
	sessions map[session.ID]*session.Session
	confs    map[conference.ID]*conference.Conference
	order    []*session.Session
	corder   []*conference.Conference
}

func (sc *scope) conference(id conference.ID) *conference.Conference {
	if sc == nil {
		return nil
	}
	return sc.confs[id]
}

func (sc *scope) unlock() {
	for i := len(sc.corder) - 1; i >= 0; i-- {
		sc.corder[i].Unlock()
	}
	for i := len(sc.order) - 1; i >= 0; i-- {
		sc.order[i].Unlock()
	}
}

// live возвращает сессию области, если она существует и не завершена
func (sc *scope) live(id session.ID) (*session.Session, error) {
	s, ok := sc.sessions[id]
	if !ok || s.State() == session.StateOver {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	return s, nil
}

// lockSessions блокирует сессии по возрастанию id. Отсутствующие сессии
// пропускаются; их отсутствие проверяет вызывающий через scope.live.
func (m *Manager) lockSessions(ids []session.ID) *scope {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	sc := &scope{
		sessions: make(map[session.ID]*session.Session, len(sorted)),
		confs:    make(map[conference.ID]*conference.Conference),
	}
	for _, id := range sorted {
		s, ok := m.sessions.Lookup(id)
		if !ok {
			continue
		}
		s.Lock()
		sc.sessions[id] = s
		sc.order = append(sc.order, s)
	}
	return sc
}

// lockConferences блокирует участников конференций cids и сессии extra,
// затем сами конференции. Состав конференций проверяется повторно после
// захвата блокировок участников.
func (m *Manager) lockConferences(cids []conference.ID, extra ...session.ID) (*scope, error) {
	cids = slices.Clone(cids)
	slices.Sort(cids)
	cids = slices.Compact(cids)

	for range lockAttempts {
		confs := make([]*conference.Conference, 0, len(cids))
		snapshot := make(map[conference.ID][]session.ID, len(cids))
		ids := slices.Clone(extra)
		for _, cid := range cids {
			c, ok := m.confs.Get(cid)
			if !ok {
				return nil, fmt.Errorf("%w: conference %s", ErrNotFound, cid)
			}
			c.Lock()
			members := c.Members()
			c.Unlock()
			snapshot[cid] = members
			ids = append(ids, members...)
			confs = append(confs, c)
		}

		sc := m.lockSessions(ids)
		stable := true
		for _, c := range confs {
			c.Lock()
			sc.confs[c.ID()] = c
			sc.corder = append(sc.corder, c)
			cur, ok := m.confs.Get(c.ID())
			if !ok || cur != c || !slices.Equal(c.Members(), snapshot[c.ID()]) {
				stable = false
			}
		}
		if stable {
			return sc, nil
		}
		sc.unlock()
	}
	return nil, fmt.Errorf("%w: conference membership kept changing", ErrInternal)
}

// collapse распускает конференцию, в которой меньше двух участников.
// Оставшийся участник возвращается в самостоятельное состояние.
func (m *Manager) collapse(sc *scope, c *conference.Conference, ob *outbox) bool {
	if c.Len() >= 2 {
		return false
	}
	for _, id := range c.Members() {
		if s, ok := sc.sessions[id]; ok {
			s.ClearConference()
		}
		_ = c.Remove(id)
	}
	m.confs.Remove(c.ID())
	ob.mix = append(ob.mix, mixOp{kind: mixDissolve, conf: c.ID()})
	ob.confEvent(c, ConferenceDissolved, "", session.CauseNone)
	return true
}

// reconcile распускает или перестраивает микс конференции, потерявшей
// участника вне ее блокировки
func (m *Manager) reconcile(ctx context.Context, cid conference.ID) {
	sc, err := m.lockConferences([]conference.ID{cid})
	if err != nil {
		return
	}
	ob := &outbox{}
	c := sc.confs[cid]
	if !m.collapse(sc, c, ob) {
		ob.bind(c)
	}
	sc.unlock()
	m.flush(ctx, ob)
}

// MergeSessions объединяет сессии в новую конференцию. Все сессии должны
// существовать, быть в Current или Hold и не входить в конференцию.
// Операция выполняется целиком или не выполняется вовсе.
func (m *Manager) MergeSessions(ctx context.Context, ids []session.ID) (conference.ID, error) {
	const op = "MergeSessions"
	cid, err := m.merge(ctx, ids)
	m.metrics.ConferenceOp("merge", err)
	return cid, wrapConf(op, cid, err)
}

func (m *Manager) merge(ctx context.Context, ids []session.ID) (conference.ID, error) {
	members := make([]session.ID, 0, len(ids))
	for _, id := range ids {
		if !slices.Contains(members, id) {
			members = append(members, id)
		}
	}
	if len(members) < 2 {
		return "", fmt.Errorf("%w: at least two distinct sessions required", ErrInvalidArgument)
	}

	sc := m.lockSessions(members)
	for _, id := range members {
		s, err := sc.live(id)
		if err != nil {
			sc.unlock()
			return "", err
		}
		if !s.State().Established() {
			sc.unlock()
			return "", fmt.Errorf("%w: session %s in %s", ErrInvalidState, id, s.State())
		}
		if s.ConferenceID() != "" {
			sc.unlock()
			return "", fmt.Errorf("%w: session %s in %s", ErrAlreadyInConference, id, s.ConferenceID())
		}
	}

	c, err := m.confs.Create(members)
	if err != nil {
		sc.unlock()
		m.log.Error(ctx, "conference create failed", logger.Err(err))
		return "", fmt.Errorf("%w: %v", ErrInternal, err)
	}
	for _, id := range members {
		sc.sessions[id].SetConference(string(c.ID()))
	}
	ob := &outbox{}
	c.Lock()
	ob.bind(c)
	ob.confEvent(c, ConferenceCreated, "", session.CauseNone)
	c.Unlock()
	sc.unlock()
	m.flush(ctx, ob)

	m.log.Info(ctx, "conference created",
		logger.String("conference_id", string(c.ID())), logger.Int("members", len(members)))
	return c.ID(), nil
}

// Detach удаляет сессию из ее конференции. Конференция из одного
// участника распускается.
func (m *Manager) Detach(ctx context.Context, id session.ID) error {
	const op = "Detach"
	err := m.detach(ctx, id)
	m.metrics.ConferenceOp("detach", err)
	return wrap(op, id, err)
}

func (m *Manager) detach(ctx context.Context, id session.ID) error {
	for range lockAttempts {
		cid, err := m.ConferenceOf(id)
		if err != nil {
			return err
		}
		sc, err := m.lockConferences([]conference.ID{cid}, id)
		if errors.Is(err, ErrNotFound) {
			// конференцию распустили между чтением и блокировкой
			continue
		}
		if err != nil {
			return err
		}
		s, err := sc.live(id)
		if err != nil {
			sc.unlock()
			return err
		}
		c := sc.confs[cid]
		if s.ConferenceID() != string(cid) || !c.Contains(id) {
			sc.unlock()
			continue
		}

		ob := &outbox{}
		_ = c.Remove(id)
		s.ClearConference()
		ob.confEvent(c, ConferenceMemberRemoved, id, session.CauseNone)
		if !m.collapse(sc, c, ob) {
			ob.bind(c)
		}
		sc.unlock()
		m.flush(ctx, ob)
		return nil
	}
	return fmt.Errorf("%w: conference of %s kept changing", ErrInternal, id)
}

// AddParticipant добавляет самостоятельную сессию в конференцию
func (m *Manager) AddParticipant(ctx context.Context, id session.ID, cid conference.ID) error {
	const op = "AddParticipant"
	err := m.addParticipant(ctx, id, cid)
	m.metrics.ConferenceOp("add", err)
	return wrap(op, id, err)
}

func (m *Manager) addParticipant(ctx context.Context, id session.ID, cid conference.ID) error {
	sc, err := m.lockConferences([]conference.ID{cid}, id)
	if err != nil {
		return err
	}
	defer func() {
		if sc != nil {
			sc.unlock()
		}
	}()
	s, err := sc.live(id)
	if err != nil {
		return err
	}
	if !s.State().Established() {
		return fmt.Errorf("%w: session %s in %s", ErrInvalidState, id, s.State())
	}
	if s.ConferenceID() != "" {
		return fmt.Errorf("%w: session %s in %s", ErrAlreadyInConference, id, s.ConferenceID())
	}
	c := sc.confs[cid]
	if err := c.Add(id); err != nil {
		return fmt.Errorf("%w: %v", ErrAlreadyInConference, err)
	}
	s.SetConference(string(cid))

	ob := &outbox{}
	ob.bind(c)
	ob.confEvent(c, ConferenceMemberAdded, id, session.CauseNone)
	sc.unlock()
	sc = nil
	m.flush(ctx, ob)
	return nil
}

// JoinConferences переносит всех участников src в dst и удаляет src
func (m *Manager) JoinConferences(ctx context.Context, dst, src conference.ID) error {
	const op = "JoinConferences"
	err := m.join(ctx, dst, src)
	m.metrics.ConferenceOp("join", err)
	return wrapConf(op, dst, err)
}

func (m *Manager) join(ctx context.Context, dst, src conference.ID) error {
	if dst == src {
		return fmt.Errorf("%w: conference joined to itself", ErrInvalidArgument)
	}
	sc, err := m.lockConferences([]conference.ID{dst, src})
	if err != nil {
		return err
	}
	to, from := sc.confs[dst], sc.confs[src]

	ob := &outbox{}
	for _, id := range from.Members() {
		_ = from.Remove(id)
		if err := to.Add(id); err != nil {
			continue
		}
		if s, ok := sc.sessions[id]; ok {
			s.SetConference(string(dst))
		}
		ob.confEvent(to, ConferenceMemberAdded, id, session.CauseNone)
	}
	m.confs.Remove(src)
	ob.mix = append(ob.mix, mixOp{kind: mixDissolve, conf: src})
	ob.confEvent(from, ConferenceDissolved, "", session.CauseNone)
	ob.bind(to)
	sc.unlock()
	m.flush(ctx, ob)
	return nil
}

// HoldConference ставит на удержание всех участников. При отказе любого
// участника уже отправленные запросы компенсируются обратными, а состояние
// конференции остается прежним.
func (m *Manager) HoldConference(ctx context.Context, cid conference.ID) error {
	err := m.holdConference(ctx, cid, true)
	m.metrics.ConferenceOp("hold", err)
	return wrapConf("HoldConference", cid, err)
}

// UnholdConference снимает с удержания всех участников, правила как у HoldConference
func (m *Manager) UnholdConference(ctx context.Context, cid conference.ID) error {
	err := m.holdConference(ctx, cid, false)
	m.metrics.ConferenceOp("unhold", err)
	return wrapConf("UnholdConference", cid, err)
}

func (m *Manager) holdConference(ctx context.Context, cid conference.ID, hold bool) error {
	sc, err := m.lockConferences([]conference.ID{cid})
	if err != nil {
		return err
	}
	c := sc.confs[cid]
	if hold == (c.State() == conference.Hold) {
		sc.unlock()
		return fmt.Errorf("%w: conference %s is %s", ErrInvalidState, cid, c.State())
	}

	request, inverse := (*session.Session).RequestHold, (*session.Session).RequestResume
	target := session.StateHold
	if !hold {
		request, inverse = inverse, request
		target = session.StateCurrent
	}

	ob := &outbox{}
	var issued []*session.Session
	var failure error
	for _, id := range c.Members() {
		s, err := sc.live(id)
		if err == nil {
			if s.EffectiveState() == target {
				continue
			}
			err = request(s)
		}
		if err != nil {
			failure = fmt.Errorf("member %s: %w", id, err)
			break
		}
		issued = append(issued, s)
	}

	if failure != nil {
		for _, s := range issued {
			if err := inverse(s); err != nil {
				m.log.Warn(ctx, "conference hold compensation failed",
					logger.String("conference_id", string(cid)),
					logger.String("session_id", string(s.ID())), logger.Err(err))
			}
		}
	} else {
		state := conference.Hold
		if !hold {
			state = conference.ActiveAttached
		}
		old := c.SetState(state)
		if old != state {
			ob.confEvent(c, ConferenceStateChanged, "", session.CauseNone)
		}
		if !hold && old == conference.Hold {
			ob.mix = append(ob.mix, mixOp{kind: mixLocal, conf: cid, local: true})
		}
	}
	for _, s := range sc.order {
		m.settle(s, ob, sc)
	}
	m.collapse(sc, c, ob)
	sc.unlock()
	m.flush(ctx, ob)
	return failure
}

// HangupConference завершает всех участников конференции
func (m *Manager) HangupConference(ctx context.Context, cid conference.ID) error {
	sc, err := m.lockConferences([]conference.ID{cid})
	if err != nil {
		m.metrics.ConferenceOp("hangup", err)
		return wrapConf("HangupConference", cid, err)
	}
	c := sc.confs[cid]
	ob := &outbox{}
	var errs []error
	for _, id := range c.Members() {
		s, err := sc.live(id)
		if err == nil {
			err = s.Hangup(session.CauseNormal)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("member %s: %w", id, err))
		}
	}
	for _, s := range sc.order {
		m.settle(s, ob, sc)
	}
	m.collapse(sc, c, ob)
	sc.unlock()
	m.flush(ctx, ob)

	err = errors.Join(errs...)
	m.metrics.ConferenceOp("hangup", err)
	return wrapConf("HangupConference", cid, err)
}

// AttachLocal подключает локального участника к миксу конференции
func (m *Manager) AttachLocal(ctx context.Context, cid conference.ID) error {
	return m.setLocal(ctx, "AttachLocal", cid, true)
}

// DetachLocal отключает локального участника; участники продолжают
// слышать друг друга
func (m *Manager) DetachLocal(ctx context.Context, cid conference.ID) error {
	return m.setLocal(ctx, "DetachLocal", cid, false)
}

func (m *Manager) setLocal(ctx context.Context, op string, cid conference.ID, attached bool) error {
	c, ok := m.confs.Get(cid)
	if !ok {
		return wrapConf(op, cid, fmt.Errorf("%w: conference %s", ErrNotFound, cid))
	}
	want, from := conference.ActiveAttached, conference.ActiveDetached
	if !attached {
		want, from = from, want
	}

	ob := &outbox{}
	c.Lock()
	switch c.State() {
	case want:
		c.Unlock()
		return nil
	case from:
		c.SetState(want)
		ob.mix = append(ob.mix, mixOp{kind: mixLocal, conf: cid, local: attached})
		ob.confEvent(c, ConferenceStateChanged, "", session.CauseNone)
		c.Unlock()
	default:
		state := c.State()
		c.Unlock()
		return wrapConf(op, cid, fmt.Errorf("%w: conference %s is %s", ErrInvalidState, cid, state))
	}
	m.flush(ctx, ob)
	return nil
}
