// README: Firebase ID token verification; the verified uid and role claim identify the caller.
package infra

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"farmdrop/internal/types"
)

// RoleClaim is the custom claim carrying the marketplace role.
const RoleClaim = "role"

type FirebaseToken struct {
	UID    string
	Claims map[string]interface{}
}

// Role reads the role claim; a missing or unknown claim is a consumer.
func (t *FirebaseToken) Role() types.Role {
	v, _ := t.Claims[RoleClaim].(string)
	return types.ParseRole(v)
}

// Actor is the caller identity handed to services.
func (t *FirebaseToken) Actor() types.Actor {
	return types.Actor{ID: types.ID(t.UID), Role: t.Role()}
}

type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*FirebaseToken, error)
}

type firebaseVerifier struct {
	client *auth.Client
}

// NewFirebaseVerifier uses credentialsFile when set, otherwise application-default
// credentials.
func NewFirebaseVerifier(ctx context.Context, projectID, credentialsFile string) (TokenVerifier, error) {
	if projectID == "" {
		return nil, fmt.Errorf("firebase project id is required")
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase.NewApp: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase app.Auth: %w", err)
	}
	return &firebaseVerifier{client: client}, nil
}

func (v *firebaseVerifier) VerifyIDToken(ctx context.Context, idToken string) (*FirebaseToken, error) {
	token, err := v.client.VerifyIDToken(ctx, idToken)
	if err != nil {
		return nil, err
	}
	return &FirebaseToken{UID: token.UID, Claims: token.Claims}, nil
}
