// Package service holds the state of the development backend: accounts,
// personas and their assignments, conversations and messages. Everything
// lives in memory and is lost on restart.
package service

import (
	"crypto/subtle"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/text/cases"

	"github.com/capitalize-ai/persona-chat/internal/model"
	"github.com/capitalize-ai/persona-chat/pkg/logger"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
	ErrInvalidCredentials = errors.New("incorrect username or password")
	ErrConflict           = errors.New("already exists")
)

type account struct {
	user     model.User
	password string
}

// Directory owns accounts, personas and which personas each user may use.
type Directory struct {
	logger *logger.Logger

	mu       sync.RWMutex
	accounts map[string]*account // by user id
	personas map[string]model.Persona
	assigned map[string]map[string]struct{} // user id -> persona ids
	nextID   int
}

// NewDirectory creates an empty directory.
func NewDirectory(log *logger.Logger) *Directory {
	return &Directory{
		logger:   logger.OrGlobal(log),
		accounts: make(map[string]*account),
		personas: make(map[string]model.Persona),
		assigned: make(map[string]map[string]struct{}),
	}
}

func (d *Directory) idLocked() string {
	d.nextID++
	return strconv.Itoa(d.nextID)
}

// AddUser registers an account. Username and email both log in.
func (d *Directory) AddUser(u model.User, password string) (model.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, a := range d.accounts {
		if strings.EqualFold(a.user.Username, u.Username) {
			return model.User{}, ErrConflict
		}
	}
	if u.ID == "" {
		u.ID = d.idLocked()
	}
	if u.Role == "" {
		u.Role = "user"
	}
	d.accounts[u.ID] = &account{user: u, password: password}
	return u, nil
}

// AddPersona registers a persona.
func (d *Directory) AddPersona(p model.Persona) model.Persona {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p.ID == "" {
		p.ID = d.idLocked()
	}
	d.personas[p.ID] = p
	return p
}

// Assign attaches a persona to a user.
func (d *Directory) Assign(userID, personaID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.accounts[userID]; !ok {
		return ErrNotFound
	}
	if _, ok := d.personas[personaID]; !ok {
		return ErrNotFound
	}
	set := d.assigned[userID]
	if set == nil {
		set = make(map[string]struct{})
		d.assigned[userID] = set
	}
	set[personaID] = struct{}{}
	return nil
}

// Unassign detaches a persona from a user.
func (d *Directory) Unassign(userID, personaID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.assigned[userID], personaID)
}

// Authenticate checks a username (or email) and password.
func (d *Directory) Authenticate(username, password string) (model.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, a := range d.accounts {
		if !strings.EqualFold(a.user.Username, username) && !strings.EqualFold(a.user.Email, username) {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(a.password), []byte(password)) != 1 {
			return model.User{}, ErrInvalidCredentials
		}
		return a.user, nil
	}
	return model.User{}, ErrInvalidCredentials
}

// User returns an account's profile.
func (d *Directory) User(id string) (model.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.accounts[id]
	if !ok {
		return model.User{}, ErrNotFound
	}
	return a.user, nil
}

// Persona returns one persona.
func (d *Directory) Persona(id string) (model.Persona, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.personas[id]
	if !ok {
		return model.Persona{}, ErrNotFound
	}
	return p, nil
}

// IsAssigned reports whether userID may chat with personaID.
func (d *Directory) IsAssigned(userID, personaID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.assigned[userID][personaID]
	return ok
}

// PersonaQuery filters the persona listing.
type PersonaQuery struct {
	UserID       string
	AttachedOnly bool
	Search       string
	Page         int
	Limit        int
}

// Personas lists personas ordered by id. Users see public personas and the
// ones assigned to them; AttachedOnly narrows to the assigned ones.
func (d *Directory) Personas(q PersonaQuery) model.PersonaPage {
	page, limit := clampPage(q.Page, q.Limit)
	fold := cases.Fold()
	needle := fold.String(strings.TrimSpace(q.Search))

	d.mu.RLock()
	var all []model.Persona
	for id, p := range d.personas {
		_, mine := d.assigned[q.UserID][id]
		if q.AttachedOnly && !mine {
			continue
		}
		if !mine && !p.IsPublic {
			continue
		}
		if needle != "" && !strings.Contains(fold.String(p.Name+" "+p.Description), needle) {
			continue
		}
		all = append(all, p)
	}
	d.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return lessID(all[i].ID, all[j].ID) })

	start := (page - 1) * limit
	if start > len(all) {
		start = len(all)
	}
	end := min(start+limit, len(all))
	return model.PersonaPage{Items: all[start:end], Total: len(all), Page: page, Limit: limit}
}

// lessID orders numeric ids numerically and anything else lexically.
func lessID(a, b string) bool {
	na, errA := strconv.Atoi(a)
	nb, errB := strconv.Atoi(b)
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}

func clampPage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	return page, limit
}

// SeedDemo fills d with two accounts and three personas. The admin account
// is admin/admin and the regular one user/password.
func SeedDemo(d *Directory) {
	admin, _ := d.AddUser(model.User{Username: "admin", Email: "admin@example.com", FullName: "Admin", Role: "admin"}, "admin")
	user, _ := d.AddUser(model.User{Username: "user", Email: "user@example.com", FullName: "Demo User"}, "password")

	ada := d.AddPersona(model.Persona{Name: "Ada", Description: "A patient mathematics tutor.", IsActive: true, IsPublic: true})
	soc := d.AddPersona(model.Persona{Name: "Socrates", Description: "Answers questions with questions.", IsActive: true})
	marie := d.AddPersona(model.Persona{Name: "Marie", Description: "A chemistry lab partner.", IsActive: true})

	for _, p := range []model.Persona{ada, soc, marie} {
		_ = d.Assign(admin.ID, p.ID)
	}
	_ = d.Assign(user.ID, ada.ID)
	_ = d.Assign(user.ID, soc.ID)

	d.logger.Info("seeded demo directory")
}
