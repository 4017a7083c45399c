// SPDX-License-Identifier: MPL-2.0

package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"

	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// defaultIdentityNames are tried under ~/.ssh when no identity is configured.
var defaultIdentityNames = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// authMethods builds the public-key methods for cfg. The returned closer
// releases the agent connection, if one was opened.
func authMethods(cfg Config) ([]gossh.AuthMethod, io.Closer, error) {
	var (
		signers []gossh.Signer
		closer  io.Closer = nopCloser{}
	)

	files := cfg.IdentityFiles
	explicit := len(files) > 0
	if !explicit {
		if home, err := os.UserHomeDir(); err == nil {
			for _, name := range defaultIdentityNames {
				files = append(files, filepath.Join(home, ".ssh", name))
			}
		}
	}
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			if !explicit && errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, closer, fmt.Errorf("read identity %s: %w", f, err)
		}
		signer, err := gossh.ParsePrivateKey(data)
		if err != nil {
			// Default keys may be passphrase protected; the agent can
			// still offer them.
			if !explicit {
				continue
			}
			return nil, closer, fmt.Errorf("parse identity %s: %w", f, err)
		}
		signers = append(signers, signer)
	}

	var methods []gossh.AuthMethod
	if len(signers) > 0 {
		methods = append(methods, gossh.PublicKeys(signers...))
	}

	if sock := os.Getenv("SSH_AUTH_SOCK"); cfg.UseAgent && sock != "" {
		conn, err := net.Dial("unix", sock)
		if err == nil {
			closer = conn
			methods = append(methods, gossh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	if len(methods) == 0 {
		return nil, closer, ErrNoAuthMethods
	}
	return methods, closer, nil
}

// hostKeyCallback verifies against the known hosts file when one is set and
// accepts any key otherwise.
func hostKeyCallback(cfg Config) (gossh.HostKeyCallback, error) {
	if cfg.KnownHostsFile == "" {
		return gossh.InsecureIgnoreHostKey(), nil //nolint:gosec // host key checking is opt-in via KnownHostsFile
	}
	cb, err := knownhosts.New(cfg.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	return cb, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
