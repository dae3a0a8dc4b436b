package correlator

import (
	"context"
	"fmt"

	"github.com/gluk-w/webssh/internal/wire"
)

// OpenShell opens a shell session under id.
func (c *Client) OpenShell(ctx context.Context, id string) error {
	resp, err := c.Send(ctx, wire.ShellOpen{ID: id})
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	if resp.Open == nil || *resp.Open != id {
		return fmt.Errorf("unexpected reply to open %q", id)
	}
	return nil
}

// Input writes data to shell id.
func (c *Client) Input(ctx context.Context, id, data string) error {
	resp, err := c.Send(ctx, wire.ShellData{ID: id, Data: data})
	if err != nil {
		return err
	}
	return resp.Err()
}

// CloseShell asks for shell id to be closed. The session is gone once the
// matching close event arrives.
func (c *Client) CloseShell(ctx context.Context, id string) error {
	resp, err := c.Send(ctx, wire.ShellClose{ID: id})
	if err != nil {
		return err
	}
	return resp.Err()
}

// NewToken mints a fresh single-use token.
func (c *Client) NewToken(ctx context.Context) (string, error) {
	resp, err := c.Send(ctx, wire.TokenRequest{})
	if err != nil {
		return "", err
	}
	if err := resp.Err(); err != nil {
		return "", err
	}
	if resp.Token == nil {
		return "", ErrNoToken
	}
	return *resp.Token, nil
}
