package serverconn

import (
	"context"
	"net"
	"strconv"

	relerrors "github.com/relaycore/tunnel/pkg/errors"
	"github.com/relaycore/tunnel/pkg/pipe"
	"github.com/relaycore/tunnel/pkg/socket"
	"github.com/relaycore/tunnel/pkg/socks"
)

// handleSOCKS4 implements the SOCKS4/4a demux branch of §4.8: parse the
// client's CONNECT request (resolving a SOCKS4a domain locally, since this
// transport cannot carry one to the origin), dial, and reply.
func (h *Handler) handleSOCKS4(ctx context.Context, sock *socket.Socket) error {
	req, err := socks.ParseV4Request(sock.Reader())
	if err != nil {
		return err
	}
	host, port := socks.ParseEndpointV4(req)

	origin, dialErr := h.dialOrigin(ctx, net.JoinHostPort(host, strconv.Itoa(int(port))))
	status := socks.V4Granted
	if dialErr != nil {
		status = socks.V4Failed
	}
	if _, err := sock.Write((&socks.V4Reply{Status: status, Port: req.Port, IP: req.IP}).Marshal()); err != nil {
		if origin != nil {
			origin.Close()
		}
		return relerrors.NewIOError("write socks4 reply", err)
	}
	if dialErr != nil {
		return dialErr
	}
	defer origin.Close()

	_, _, err = pipe.RunBidirectional(sock, origin, nil, nil)
	return err
}

// handleSOCKS5 implements the SOCKS5 demux branch of §4.8: method-select
// (rejecting if no-auth/username-password isn't mutually acceptable),
// optional username/password sub-negotiation, CONNECT request, dial, reply.
func (h *Handler) handleSOCKS5(ctx context.Context, sock *socket.Socket) error {
	methods, err := socks.ParseMethodSelectRequest(sock.Reader())
	if err != nil {
		return err
	}

	want := socks.AuthNone
	if h.Config.Username != "" {
		want = socks.AuthUsernamePassword
	}
	selected := socks.AuthNoAcceptable
	for _, m := range methods {
		if m == want {
			selected = want
			break
		}
	}
	if _, err := sock.Write(socks.MarshalMethodSelectReply(selected)); err != nil {
		return relerrors.NewIOError("write socks5 method select reply", err)
	}
	if selected == socks.AuthNoAcceptable {
		return relerrors.NewAccessDeniedError("serverconn.handleSOCKS5", "no acceptable auth method")
	}

	if selected == socks.AuthUsernamePassword {
		up, err := socks.ParseUserPassRequest(sock.Reader())
		if err != nil {
			return err
		}
		ok := up.Username == h.Config.Username && up.Password == h.Config.Password
		reply := socks.UserPassReplyFail
		if ok {
			reply = socks.UserPassReplyOK
		}
		if _, err := sock.Write(reply); err != nil {
			return relerrors.NewIOError("write socks5 userpass reply", err)
		}
		if !ok {
			return relerrors.NewAccessDeniedError("serverconn.handleSOCKS5", "bad username/password")
		}
	}

	req, err := socks.ParseRequest(sock.Reader())
	if err != nil {
		sock.Write(mustReply(&socks.Reply{Status: socks.StatusGeneralFailure}))
		return err
	}
	if req.Command != socks.CmdConnect {
		sock.Write(mustReply(&socks.Reply{Status: socks.StatusCommandNotSupported, Dest: req.Dest}))
		return relerrors.NewInvalidArgumentError("serverconn.handleSOCKS5", "only CONNECT is supported")
	}

	origin, dialErr := h.dialOrigin(ctx, req.Dest.HostPort())
	status := socks.StatusGranted
	if dialErr != nil {
		status = socks.StatusHostUnreachable
	}
	if _, err := sock.Write(mustReply(&socks.Reply{Status: status, Dest: req.Dest})); err != nil {
		if origin != nil {
			origin.Close()
		}
		return relerrors.NewIOError("write socks5 reply", err)
	}
	if dialErr != nil {
		return dialErr
	}
	defer origin.Close()

	_, _, err = pipe.RunBidirectional(sock, origin, nil, nil)
	return err
}

func mustReply(r *socks.Reply) []byte {
	b, err := r.Marshal()
	if err != nil {
		// Dest is always well-formed here (ipv4 zero value or the parsed
		// request echoed back), so Marshal cannot fail.
		panic(err)
	}
	return b
}
