package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/gitgenie/gitgenie/internal/crypto"
	"github.com/gitgenie/gitgenie/internal/gitea"
	"github.com/gitgenie/gitgenie/internal/model"
	"github.com/gitgenie/gitgenie/internal/store"
)

// giteaUsernameMaxLen matches Gitea's username length limit.
const giteaUsernameMaxLen = 39

// tokenName is the name under which per-user API tokens are minted.
const tokenName = "gitgenie"

// IdentityService maps app users to Gitea accounts. The mapping is by
// email: the Gitea account is looked up live on every use rather than
// cached by ID, so accounts renamed or recreated in Gitea are picked up
// without manual repair.
type IdentityService struct {
	store     *store.Store
	gitea     *gitea.Client
	encryptor *crypto.Encryptor
}

// GiteaIdentity is a resolved Gitea account. Token is the user's own API
// token when one could be provisioned; empty means callers fall back to
// the shared admin credential. IsNew reports whether this call created
// the account.
type GiteaIdentity struct {
	Username string
	Token    string
	IsNew    bool
}

// NewIdentityService creates an identity service.
func NewIdentityService(s *store.Store, gc *gitea.Client, enc *crypto.Encryptor) *IdentityService {
	return &IdentityService{store: s, gitea: gc, encryptor: enc}
}

// EnsureGiteaIntegration resolves the Gitea account for a user, creating
// the account and minting an API token on first use. Safe to call on
// every operation that touches Gitea.
func (s *IdentityService) EnsureGiteaIntegration(ctx context.Context, userID string) (*GiteaIdentity, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	giteaUser, err := s.gitea.FindUserByEmail(ctx, user.Email)
	isNew := false
	switch {
	case err == nil:
		// Account already exists; record when we first saw it.
		if user.GiteaCreatedAt == nil {
			if stampErr := s.store.StampGiteaCreatedAt(ctx, user.ID, time.Now()); stampErr != nil {
				log.Printf("Warning: failed to stamp gitea creation time for %s: %v", user.ID, stampErr)
			}
		}
	case errors.Is(err, gitea.ErrNotFound):
		giteaUser, err = s.provisionAccount(ctx, user)
		if err != nil {
			return nil, err
		}
		isNew = true
	default:
		return nil, err
	}

	return &GiteaIdentity{
		Username: giteaUser.Login,
		Token:    s.ensureToken(ctx, user, giteaUser.Login),
		IsNew:    isNew,
	}, nil
}

// provisionAccount creates a Gitea account for the user. Usernames are
// derived from the email local part; collisions get a numeric suffix.
// A concurrent provision of the same email loses the race in Gitea and
// falls back to the lookup.
func (s *IdentityService) provisionAccount(ctx context.Context, user *model.User) (*gitea.User, error) {
	password, err := randomPassword()
	if err != nil {
		return nil, err
	}

	base := UsernameFromEmail(user.Email)
	for attempt := 0; attempt < 5; attempt++ {
		username := base
		if attempt > 0 {
			username = suffixUsername(base, attempt)
		}

		created, err := s.gitea.CreateUser(ctx, gitea.CreateUserOptions{
			Username: username,
			Email:    user.Email,
			FullName: ptrToString(user.Name),
			Password: password,
		})
		if err == nil {
			log.Printf("Provisioned gitea account %s for %s", username, user.Email)
			if err := s.store.StampGiteaCreatedAt(ctx, user.ID, time.Now()); err != nil {
				log.Printf("Warning: failed to stamp gitea creation time for %s: %v", user.ID, err)
			}
			return created, nil
		}
		if errors.Is(err, gitea.ErrEmailAlreadyUsed) {
			// Lost a provisioning race; the account now exists.
			return s.gitea.FindUserByEmail(ctx, user.Email)
		}
		// Username taken by a different email: try the next suffix.
		var apiErr *gitea.APIError
		if errors.As(err, &apiErr) && strings.Contains(strings.ToLower(apiErr.Message), "already") {
			continue
		}
		return nil, fmt.Errorf("failed to create gitea user: %w", err)
	}
	return nil, fmt.Errorf("failed to find a free gitea username for %s", user.Email)
}

// ensureToken returns the stored API token for the user, minting and
// persisting a new one when none exists or decryption fails. Token
// provisioning is best-effort: any failure returns the empty string and
// callers operate through the shared admin credential instead.
func (s *IdentityService) ensureToken(ctx context.Context, user *model.User, username string) string {
	if len(user.GiteaTokenEncrypted) > 0 {
		token, err := s.encryptor.DecryptToken(user.GiteaTokenEncrypted)
		if err == nil {
			return token
		}
		log.Printf("Warning: stored gitea token for %s unreadable, reminting: %v", user.Email, err)
	}

	// Remove any stale token with our name before minting a fresh one.
	if err := s.gitea.DeleteAccessToken(ctx, username, tokenName); err != nil {
		log.Printf("Warning: failed to delete stale gitea token for %s: %v", username, err)
	}

	token, err := s.gitea.CreateAccessToken(ctx, username, tokenName)
	if err != nil {
		log.Printf("Warning: failed to mint gitea token for %s, using admin credentials: %v", username, err)
		return ""
	}

	encrypted, err := s.encryptor.EncryptToken(token)
	if err != nil {
		log.Printf("Warning: failed to encrypt gitea token for %s, using admin credentials: %v", username, err)
		return ""
	}
	user.GiteaTokenEncrypted = encrypted
	if err := s.store.UpdateUser(ctx, user); err != nil {
		log.Printf("Warning: failed to store gitea token for %s: %v", username, err)
	}
	return token
}

// UsernameFromEmail derives a Gitea-safe username from an email address.
// The local part is lowercased, disallowed characters collapse to single
// hyphens, and the result is trimmed to the Gitea length limit with no
// leading or trailing hyphen.
func UsernameFromEmail(email string) string {
	local := email
	if at := strings.Index(email, "@"); at >= 0 {
		local = email[:at]
	}
	local = strings.ToLower(local)

	var b strings.Builder
	lastHyphen := false
	for _, r := range local {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen && b.Len() > 0 {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}

	name := strings.Trim(b.String(), "-")
	if len(name) > giteaUsernameMaxLen {
		name = strings.Trim(name[:giteaUsernameMaxLen], "-")
	}
	if name == "" {
		name = "user"
	}
	return name
}

// suffixUsername appends a numeric suffix, keeping the total length
// within the Gitea limit.
func suffixUsername(base string, n int) string {
	suffix := "-" + strconv.Itoa(n)
	if len(base)+len(suffix) > giteaUsernameMaxLen {
		base = strings.Trim(base[:giteaUsernameMaxLen-len(suffix)], "-")
	}
	return base + suffix
}

func randomPassword() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate password: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
