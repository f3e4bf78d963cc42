package models

// User is the identity behind a JWT or API key presented to the HTTP
// surface. Parachute has no multi-tenant account system; a User exists
// only to carry a name and email onto a signed token and into request
// context.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}
