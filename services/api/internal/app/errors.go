package app

import "errors"

var (
	// ErrInvalidCredentials is shown to clients without revealing which part was wrong.
	ErrInvalidCredentials = errors.New("Incorrect email address or password")

	ErrEmailAndPasswordRequired = errors.New("email and password required")
	ErrEmailAlreadyExists       = errors.New("email already exists")
	ErrUnknownEntity            = errors.New("unknown entity")
	ErrClubRouteRequired        = errors.New("club membership changes use the join, leave and club delete routes")
	ErrPasswordPatch            = errors.New("password can only be replaced with a plain string")

	// ErrNotOwner rejects a valid token used to act for a different user.
	ErrNotOwner = errors.New("not authorized to act for this user")
)
