package reconcile

import (
	"sort"

	"github.com/trickhall/room-backend/internal/session"
	"github.com/trickhall/room-backend/internal/store"
)

type Type string

const (
	HostMismatch             Type = "host_mismatch"
	PlayerMissing            Type = "player_missing"
	ReadyStatusMismatch      Type = "ready_status_mismatch"
	TeamAssignmentConflict   Type = "team_assignment_conflict"
	ConnectionStatusMismatch Type = "connection_status_mismatch"
)

type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	}
	return "unknown"
}

// severityOf is the fixed severity table.
var severityOf = map[Type]Severity{
	HostMismatch:             SeverityCritical,
	PlayerMissing:            SeverityHigh,
	ReadyStatusMismatch:      SeverityMedium,
	TeamAssignmentConflict:   SeverityMedium,
	ConnectionStatusMismatch: SeverityLow,
}

type Inconsistency struct {
	Type           Type     `json:"type"`
	GameID         string   `json:"gameId"`
	PlayerID       string   `json:"playerId,omitempty"`
	LiveValue      any      `json:"liveValue"`
	PersistedValue any      `json:"persistedValue"`
	Severity       Severity `json:"severity"`
}

func newInconsistency(t Type, gameID, playerID string, live, persisted any) Inconsistency {
	return Inconsistency{
		Type:           t,
		GameID:         gameID,
		PlayerID:       playerID,
		LiveValue:      live,
		PersistedValue: persisted,
		Severity:       severityOf[t],
	}
}

// Detect compares the live snapshot against the persisted record field by
// field. Either side absent means there is nothing to reconcile.
func Detect(live *session.Snapshot, persisted *store.RoomRecord, gameID string) []Inconsistency {
	if live == nil || persisted == nil {
		return nil
	}

	var out []Inconsistency
	if live.HostID != persisted.HostID {
		out = append(out, newInconsistency(HostMismatch, gameID, "", live.HostID, persisted.HostID))
	}

	livePlayers := make(map[string]session.PlayerSession, len(live.Players))
	for _, p := range live.Players {
		livePlayers[p.UserID] = p
	}

	for i := range persisted.Players {
		pp := &persisted.Players[i]
		lp, ok := livePlayers[pp.UserID]
		if !ok {
			out = append(out, newInconsistency(PlayerMissing, gameID, pp.UserID, nil, "present"))
			continue
		}
		if lp.IsReady != pp.IsReady {
			out = append(out, newInconsistency(ReadyStatusMismatch, gameID, pp.UserID, lp.IsReady, pp.IsReady))
		}
		if !teamsEqual(lp.TeamAssignment, pp.Team) {
			out = append(out, newInconsistency(TeamAssignmentConflict, gameID, pp.UserID, teamVal(lp.TeamAssignment), intVal(pp.Team)))
		}
		if lp.IsConnected != pp.IsConnected {
			out = append(out, newInconsistency(ConnectionStatusMismatch, gameID, pp.UserID, lp.IsConnected, pp.IsConnected))
		}
	}
	for id := range livePlayers {
		if persisted.Player(id) == nil {
			out = append(out, newInconsistency(PlayerMissing, gameID, id, "present", nil))
		}
	}
	return out
}

// Resolve applies the fixed rule table, processing inconsistencies by
// descending severity. Persisted state wins for host, ready, team and
// membership; the live transport wins for connection status. Unknown types
// are skipped, not errors.
func Resolve(inconsistencies []Inconsistency, persisted *store.RoomRecord, live *session.Snapshot) session.Snapshot {
	resolved := cloneSnapshot(live)

	ordered := append([]Inconsistency(nil), inconsistencies...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Severity > ordered[j].Severity
	})

	for _, inc := range ordered {
		switch inc.Type {
		case HostMismatch:
			resolved.HostID = persisted.HostID
		case PlayerMissing:
			if pp := persisted.Player(inc.PlayerID); pp != nil {
				// Known to persistence, missing live: restore, but the live
				// transport has no socket for them, so disconnected.
				restored := session.PlayerSession{
					UserID:      pp.UserID,
					Username:    pp.Username,
					IsReady:     pp.IsReady,
					IsConnected: false,
					JoinedAt:    pp.JoinedAt,
				}
				if pp.Team != nil {
					t := session.Team(*pp.Team)
					restored.TeamAssignment = &t
				}
				resolved.Players = upsertPlayer(resolved.Players, restored)
			} else {
				// Live-only player the durable store never saw: drop.
				resolved.Players = removePlayer(resolved.Players, inc.PlayerID)
			}
		case ReadyStatusMismatch:
			if pp := persisted.Player(inc.PlayerID); pp != nil {
				setPlayer(resolved.Players, inc.PlayerID, func(p *session.PlayerSession) {
					p.IsReady = pp.IsReady
				})
			}
		case TeamAssignmentConflict:
			if pp := persisted.Player(inc.PlayerID); pp != nil {
				setPlayer(resolved.Players, inc.PlayerID, func(p *session.PlayerSession) {
					if pp.Team == nil {
						p.TeamAssignment = nil
						return
					}
					t := session.Team(*pp.Team)
					p.TeamAssignment = &t
				})
			}
		case ConnectionStatusMismatch:
			// Live wins; the resolved state started as the live snapshot.
		default:
			// Unknown type: ignore.
		}
	}

	resolved.Teams = rebuildTeams(resolved.Players)
	return resolved
}

func rebuildTeams(players []session.PlayerSession) session.Teams {
	var t session.Teams
	for _, p := range players {
		if p.TeamAssignment == nil {
			continue
		}
		switch *p.TeamAssignment {
		case session.Team1:
			t.Team1 = append(t.Team1, p.UserID)
		case session.Team2:
			t.Team2 = append(t.Team2, p.UserID)
		}
	}
	return t
}

func cloneSnapshot(s *session.Snapshot) session.Snapshot {
	out := *s
	out.Players = make([]session.PlayerSession, len(s.Players))
	copy(out.Players, s.Players)
	for i := range out.Players {
		if out.Players[i].TeamAssignment != nil {
			t := *out.Players[i].TeamAssignment
			out.Players[i].TeamAssignment = &t
		}
	}
	out.Teams = session.Teams{
		Team1: append([]string(nil), s.Teams.Team1...),
		Team2: append([]string(nil), s.Teams.Team2...),
	}
	return out
}

func upsertPlayer(players []session.PlayerSession, p session.PlayerSession) []session.PlayerSession {
	for i := range players {
		if players[i].UserID == p.UserID {
			players[i] = p
			return players
		}
	}
	return append(players, p)
}

func removePlayer(players []session.PlayerSession, userID string) []session.PlayerSession {
	out := players[:0]
	for _, p := range players {
		if p.UserID != userID {
			out = append(out, p)
		}
	}
	return out
}

func setPlayer(players []session.PlayerSession, userID string, fn func(*session.PlayerSession)) {
	for i := range players {
		if players[i].UserID == userID {
			fn(&players[i])
			return
		}
	}
}

func teamsEqual(live *session.Team, persisted *int) bool {
	if live == nil || persisted == nil {
		return live == nil && persisted == nil
	}
	return int(*live) == *persisted
}

func teamVal(t *session.Team) any {
	if t == nil {
		return nil
	}
	return int(*t)
}

func intVal(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
