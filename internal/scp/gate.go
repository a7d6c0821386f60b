// Copyright 2024 The draw-client Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/yasushi-saito/go-netdicom/pdu"
	"github.com/yasushi-saito/go-netdicom/sopclass"

	"github.com/draw-rt/draw-client/internal/catalog"
)

// NodeDirectory resolves calling AE titles against configured remote nodes.
type NodeDirectory interface {
	RemoteNodeByAE(ctx context.Context, aeTitle string) (*catalog.RemoteDicomNode, error)
}

// association describes one screened inbound connection.
type association struct {
	CallingAE  string
	CalledAE   string
	RemoteIP   string
	RemotePort int
	// VerificationOnly is set when the peer proposed nothing but the
	// Verification SOP class. Such associations pass the allow-lists
	// unconditionally so C-ECHO connectivity tests always work.
	VerificationOnly bool
	KnownNode        bool
}

// peekConn replays the bytes consumed while screening before handing the
// rest of the stream to the DICOM provider.
type peekConn struct {
	net.Conn
	r io.Reader
}

func (c *peekConn) Read(p []byte) (int, error) { return c.r.Read(p) }

type gate struct {
	logger log.Logger
	nodes  NodeDirectory
}

// screen reads the A-ASSOCIATE-RQ off the wire, applies the AE and IP
// allow-lists, and either rejects the association or returns a replaying
// connection for the provider to run on.
func (g *gate) screen(ctx context.Context, conn net.Conn, cfg *catalog.SCPConfiguration) (net.Conn, *association, error) {
	host, portStr, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}
	port, _ := strconv.Atoi(portStr)
	assoc := &association{RemoteIP: host, RemotePort: port}

	maxPDU := int(cfg.MaxPDUSize)
	if maxPDU <= 0 {
		maxPDU = 4 << 20
	}
	var buf bytes.Buffer
	p, err := pdu.ReadPDU(io.TeeReader(conn, &buf), maxPDU)
	if err != nil {
		return nil, assoc, fmt.Errorf("reading associate request: %w", err)
	}
	rq, ok := p.(*pdu.A_ASSOCIATE)
	if !ok || rq.Type != pdu.PDUTypeA_ASSOCIATE_RQ {
		return nil, assoc, fmt.Errorf("unexpected pdu %T before association", p)
	}
	assoc.CallingAE = strings.TrimSpace(rq.CallingAETitle)
	assoc.CalledAE = strings.TrimSpace(rq.CalledAETitle)
	assoc.VerificationOnly = verificationOnly(rq)

	if cfg.ValidateCallingAE {
		if _, err := g.nodes.RemoteNodeByAE(ctx, assoc.CallingAE); err == nil {
			assoc.KnownNode = true
		} else if !assoc.VerificationOnly {
			g.reject(conn)
			return nil, assoc, fmt.Errorf("%w: calling AE %q not allowed", catalog.ErrValidation, assoc.CallingAE)
		}
	}
	if cfg.ValidateCallingIP && !ipAllowed(cfg.IPAllowList, host) && !assoc.VerificationOnly {
		g.reject(conn)
		return nil, assoc, fmt.Errorf("%w: peer %s not in IP allow-list", catalog.ErrValidation, host)
	}

	replay := &peekConn{Conn: conn, r: io.MultiReader(bytes.NewReader(buf.Bytes()), conn)}
	return replay, assoc, nil
}

func (g *gate) reject(conn net.Conn) {
	data, err := pdu.EncodePDU(&pdu.A_ASSOCIATE_RJ{
		Result: pdu.ResultRejectedPermanent,
		Source: pdu.SourceULServiceProviderACSE,
		Reason: pdu.ReasonNone,
	})
	if err != nil {
		level.Warn(g.logger).Log("msg", "encoding associate reject", "err", err)
		return
	}
	if _, err := conn.Write(data); err != nil {
		level.Debug(g.logger).Log("msg", "writing associate reject", "err", err)
	}
}

// verificationOnly reports whether every proposed presentation context
// carries the Verification SOP class.
func verificationOnly(rq *pdu.A_ASSOCIATE) bool {
	proposed := 0
	for _, item := range rq.Items {
		pc, ok := item.(*pdu.PresentationContextItem)
		if !ok {
			continue
		}
		for _, sub := range pc.Items {
			as, ok := sub.(*pdu.AbstractSyntaxSubItem)
			if !ok {
				continue
			}
			proposed++
			if as.Name != sopclass.VerificationClasses[0].UID {
				return false
			}
		}
	}
	return proposed > 0
}

// ipAllowed matches a peer address against plain IPs and CIDR blocks.
func ipAllowed(allowList []string, host string) bool {
	peer := net.ParseIP(host)
	for _, entry := range allowList {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			if _, ipnet, err := net.ParseCIDR(entry); err == nil && peer != nil && ipnet.Contains(peer) {
				return true
			}
			continue
		}
		if entry == host {
			return true
		}
		if ip := net.ParseIP(entry); ip != nil && peer != nil && ip.Equal(peer) {
			return true
		}
	}
	return false
}
