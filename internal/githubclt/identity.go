package githubclt

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/simplesurance/stewardaction/internal/logfields"
	"github.com/simplesurance/stewardaction/internal/nonempty"
)

const (
	userInfoErrMsg = "Unable to retrieve user information from GitHub"

	emailErrMsg = "Unable to find author's email. Either ensure that the token's GitHub Account has the email " +
		"privacy feature disabled for at least one email or use the `author-email` input to provide one."

	nameErrMsg = "Unable to find author's name. Either ensure that the token's GitHub Account has a valid name " +
		"set in its profile or use the `author-name` input to provide one."
)

// User is the identity that commits are authored with.
// Missing attributes are only reported as error when they are accessed.
type User struct {
	login nonempty.String
	email nonempty.String
	name  nonempty.String
}

// DefaultUser is the github-actions bot user.
// It is used when the user information can not be retrieved.
var DefaultUser = User{
	login: nonempty.MustMandatory("github-actions[bot]"),
	email: nonempty.MustMandatory("41898282+github-actions[bot]@users.noreply.github.com"),
	name:  nonempty.MustMandatory("github-actions[bot]"),
}

func NewUser(login, email, name string) *User {
	return &User{
		login: nonempty.From(login),
		email: nonempty.From(email),
		name:  nonempty.From(name),
	}
}

func (u *User) Login() (string, error) {
	v, err := u.login.OrErr(userInfoErrMsg)
	return v.Value(), err
}

func (u *User) Email() (string, error) {
	v, err := u.email.OrErr(emailErrMsg)
	return v.Value(), err
}

func (u *User) Name() (string, error) {
	v, err := u.name.OrErr(nameErrMsg)
	return v.Value(), err
}

// AuthUser returns the user that owns the token of the client.
// If the user information can not be retrieved DefaultUser is returned.
func (clt *Client) AuthUser(ctx context.Context) *User {
	var q struct {
		Viewer struct {
			Login string
			Email string
			Name  string
		}
	}

	if err := clt.graphQLClt.Query(ctx, &q, nil); err != nil {
		clt.logger.Debug(
			"retrieving user information failed, using default user",
			logfields.Event("github_user_retrieval_failed"),
			zap.Error(clt.wrapGraphQLRetryableErrors(err)),
		)

		u := DefaultUser
		return &u
	}

	clt.logger.Info(
		"user information retrieved from GitHub",
		logfields.Event("github_user_retrieved"),
		logfields.Login(q.Viewer.Login),
		zap.Bool("email_found", q.Viewer.Email != ""),
		zap.Bool("name_found", q.Viewer.Name != ""),
	)

	return NewUser(q.Viewer.Login, q.Viewer.Email, q.Viewer.Name)
}

// AppUser returns the bot user of the GitHub App with the given slug.
// If the user information can not be retrieved DefaultUser is returned.
func (clt *Client) AppUser(ctx context.Context, slug string) *User {
	u, err := clt.appUser(ctx, slug)
	if err != nil {
		clt.logger.Debug(
			"retrieving github app user information failed, using default user",
			logfields.Event("github_app_user_retrieval_failed"),
			zap.Error(err),
		)

		u := DefaultUser
		return &u
	}

	clt.logger.Info(
		"GitHub App information retrieved from GitHub",
		logfields.Event("github_app_user_retrieved"),
		logfields.Login(u.login.Value()),
	)

	return u
}

func (clt *Client) appUser(ctx context.Context, slug string) (*User, error) {
	if slug == "" {
		return nil, fmt.Errorf("unable to find GitHub App slug")
	}

	ghUser, _, err := clt.restClt.Users.Get(ctx, slug+"[bot]")
	if err != nil {
		return nil, clt.wrapRetryableErrors(err)
	}

	login := ghUser.GetLogin()
	return NewUser(
		login,
		fmt.Sprintf("%d+%s@users.noreply.github.com", ghUser.GetID(), login),
		login,
	), nil
}
