package users

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/lightspeed-rooms/auth"
	"github.com/tcriess/lightspeed-rooms/globals"
	"github.com/tcriess/lightspeed-rooms/persistence"
	"github.com/tcriess/lightspeed-rooms/types"
)

const (
	minQueryLength = 2
	maxResults     = 15
)

type RegisterRequest struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

// Session is the result of a successful registration or login.
type Session struct {
	Token string         `json:"token"`
	User  types.Identity `json:"user"`
}

// Service handles accounts, the user search and the block lists.
type Service struct {
	persister persistence.Persister
	hasher    *auth.PasswordHasher
	jwt       *auth.JWTManager
	logger    hclog.Logger
	now       func() time.Time
}

func NewService(persister persistence.Persister, hasher *auth.PasswordHasher, jwtManager *auth.JWTManager) *Service {
	return &Service{
		persister: persister,
		hasher:    hasher,
		jwt:       jwtManager,
		logger:    globals.AppLogger.Named("users"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Register(req RegisterRequest) (*Session, error) {
	username := strings.TrimSpace(req.Username)
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if username == "" || email == "" || req.Password == "" || req.ConfirmPassword == "" {
		return nil, types.InvalidArgument("all fields are required")
	}
	if req.Password != req.ConfirmPassword {
		return nil, types.InvalidArgument("passwords do not match")
	}
	if !strings.Contains(email, "@") {
		return nil, types.InvalidArgument("invalid email")
	}
	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, types.Internal(err)
	}
	now := s.now()
	user := types.User{
		Id:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		BlockedUsers: []string{},
		BlockedBy:    []string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = s.persister.StoreUser(user)
	if err != nil {
		if errors.Is(err, persistence.ErrConflict) {
			return nil, types.Conflict("username or email already taken")
		}
		return nil, types.Internal(err)
	}
	s.logger.Info("user registered", "user", user.Id)
	return s.session(&user)
}

// Login checks the credentials. The login is the e-mail address or the username.
func (s *Service) Login(login, password string) (*Session, error) {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return nil, types.InvalidArgument("all fields are required")
	}
	user, err := s.findByLogin(login)
	if err != nil {
		return nil, err
	}
	if user == nil || user.PasswordHash == "" || !s.hasher.Verify(password, user.PasswordHash) {
		return nil, types.InvalidArgument("invalid credentials")
	}
	return s.session(user)
}

func (s *Service) findByLogin(login string) (*types.User, error) {
	if strings.Contains(login, "@") {
		user, err := s.persister.GetUserByEmail(strings.ToLower(login))
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, persistence.ErrNotFound) {
			return nil, types.Internal(err)
		}
		return nil, nil
	}
	all, err := s.persister.GetUsers()
	if err != nil {
		return nil, types.Internal(err)
	}
	for _, u := range all {
		if u.Username == login {
			return u, nil
		}
	}
	return nil, nil
}

func (s *Service) session(user *types.User) (*Session, error) {
	token, err := s.jwt.Issue(user.Id, user.Username)
	if err != nil {
		return nil, types.Internal(err)
	}
	return &Session{Token: token, User: user.Identity()}, nil
}

// Search returns the users whose username or e-mail local part contains q (case-insensitive). The requester,
// users blocked by the requester and users who blocked the requester are never returned.
func (s *Service) Search(requesterId, q string) ([]types.UserSummary, error) {
	q = strings.ToLower(strings.TrimSpace(q))
	if len([]rune(q)) < minQueryLength {
		return nil, types.InvalidArgument("query must have at least 2 characters")
	}
	requester := types.User{Id: requesterId}
	err := s.persister.GetUser(&requester)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, types.NotFound("user not found")
		}
		return nil, types.Internal(err)
	}
	all, err := s.persister.GetUsers()
	if err != nil {
		return nil, types.Internal(err)
	}
	res := make([]types.UserSummary, 0)
	for _, u := range all {
		if u.Id == requester.Id || requester.HasBlocked(u.Id) || requester.IsBlockedBy(u.Id) || u.HasBlocked(requester.Id) {
			continue
		}
		local := u.Email
		if i := strings.Index(local, "@"); i >= 0 {
			local = local[:i]
		}
		if !strings.Contains(strings.ToLower(u.Username), q) && !strings.Contains(strings.ToLower(local), q) {
			continue
		}
		res = append(res, types.UserSummary{Id: u.Id, Username: u.Username, AvatarUrl: u.AvatarUrl})
	}
	sort.Slice(res, func(i, j int) bool { return strings.ToLower(res[i].Username) < strings.ToLower(res[j].Username) })
	if len(res) > maxResults {
		res = res[:maxResults]
	}
	return res, nil
}

func (s *Service) Block(blockerId, blockedId string) error {
	return s.setBlocked(blockerId, blockedId, true)
}

func (s *Service) Unblock(blockerId, blockedId string) error {
	return s.setBlocked(blockerId, blockedId, false)
}

func (s *Service) setBlocked(blockerId, blockedId string, blocked bool) error {
	if blockedId == "" {
		return types.InvalidArgument("userId is required")
	}
	if blockerId == blockedId {
		return types.InvalidArgument("cannot block yourself")
	}
	err := s.persister.SetBlocked(blockerId, blockedId, blocked)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return types.NotFound("user not found")
		}
		return types.Internal(err)
	}
	s.logger.Debug("block list changed", "user", blockerId, "target", blockedId, "blocked", blocked)
	return nil
}
