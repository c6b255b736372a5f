// ABOUTME: Adapter exposing store users and credentials through the webauthn.User interface
// ABOUTME: Bridges persisted credential records to the ceremony library's types

package stepup

import (
	"bytes"
	"encoding/json"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/helixbio/cryovault/internal/store"
)

// ceremonyUser wraps a store.User to implement webauthn.User.
type ceremonyUser struct {
	user  *store.User
	creds []*store.PasskeyCredential
}

func (u *ceremonyUser) WebAuthnID() []byte {
	return []byte(u.user.ID)
}

func (u *ceremonyUser) WebAuthnName() string {
	return u.user.Username
}

func (u *ceremonyUser) WebAuthnDisplayName() string {
	if u.user.DisplayName != "" {
		return u.user.DisplayName
	}
	return u.user.Username
}

func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential {
	creds := make([]webauthn.Credential, len(u.creds))
	for i, c := range u.creds {
		creds[i] = webauthn.Credential{
			ID:              c.CredentialID,
			PublicKey:       c.PublicKey,
			AttestationType: c.AttestationFormat,
			Authenticator: webauthn.Authenticator{
				SignCount: c.SignCount,
			},
		}
		if c.Transports != "" {
			var transports []protocol.AuthenticatorTransport
			_ = json.Unmarshal([]byte(c.Transports), &transports)
			creds[i].Transport = transports
		}
		if c.Flags != "" {
			_ = json.Unmarshal([]byte(c.Flags), &creds[i].Flags)
		}
	}
	return creds
}

// ownsCredential reports whether id matches one of the user's registered
// credentials.
func (u *ceremonyUser) ownsCredential(id []byte) bool {
	for _, c := range u.creds {
		if bytes.Equal(c.CredentialID, id) {
			return true
		}
	}
	return false
}

// exclusions returns descriptors for the user's registered credentials so a
// registration ceremony cannot re-enroll an existing authenticator.
func (u *ceremonyUser) exclusions() []protocol.CredentialDescriptor {
	creds := u.WebAuthnCredentials()
	descriptors := make([]protocol.CredentialDescriptor, len(creds))
	for i, c := range creds {
		descriptors[i] = c.Descriptor()
	}
	return descriptors
}
