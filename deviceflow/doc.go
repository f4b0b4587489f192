// Package deviceflow implements the OAuth 2.0 Device Authorization Grant
// (RFC 8628) for headless clients that cannot receive a browser redirect.
//
// The Driver requests a device/user code pair, renders sign-in
// instructions, and polls the token endpoint on an adaptive interval until
// the user approves or a terminal condition occurs. Failures are classified
// by a structured Kind so callers never have to inspect error text:
//
//   - pending / slow_down / transient keep the poll loop running
//   - expired ends the current attempt but a fresh device code may succeed
//   - denied / rejected end the flow outright
//
// # Example Usage
//
//	driver, err := deviceflow.NewDriver(deviceflow.Config{
//	    ClientID: "my-client",
//	    Scopes:   []string{"openid", "offline_access"},
//	}, resolver)
//	if err != nil {
//	    return err
//	}
//
//	token, err := driver.Authenticate(ctx)
//	if err != nil {
//	    return err
//	}
//	// Hand the token bundle to the session store.
package deviceflow
