// Package client is the wire client for the engine: submit payloads
// and drive membership changes from outside the group.
package client

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"paxcom/pkg/paxos"
	"paxcom/pkg/site"
	"paxcom/pkg/synode"
	"paxcom/pkg/transport"
)

const defaultTimeout = 20 * time.Second

// Client holds one connection to a group member.
type Client struct {
	conn *transport.Conn
}

// Dial connects to a member.
func Dial(addr string) (*Client, error) {
	conn, err := transport.Dial(addr, site.MyMaxProto, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close drops the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// NewNodeAddress builds a member identity with a fresh UID.
func NewNodeAddress(addr string) site.NodeAddress {
	return site.NodeAddress{
		Address:  addr,
		UID:      uuid.New(),
		MinProto: site.Proto10,
		MaxProto: site.MyMaxProto,
	}
}

func clientMsg(a paxos.AppData) *paxos.Msg {
	return &paxos.Msg{
		Op:  paxos.ClientMsg,
		To:  synode.VoidNodeNo,
		App: []paxos.AppData{a},
	}
}

// sendAndWait submits a control request and waits for the client
// reply.
func (c *Client) sendAndWait(m *paxos.Msg) (*paxos.Msg, error) {
	if err := c.conn.Write(m); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	deadline := time.Now().Add(defaultTimeout)
	for time.Now().Before(deadline) {
		r, err := c.conn.Read()
		if err != nil {
			return nil, fmt.Errorf("read reply: %w", err)
		}
		if r.Op == paxos.ClientReply {
			return r, nil
		}
	}
	return nil, fmt.Errorf("timed out waiting for reply")
}

func (c *Client) sendConfig(cargo paxos.CargoType, nodes []site.NodeAddress) (paxos.ReplyCode, error) {
	r, err := c.sendAndWait(clientMsg(paxos.AppData{Cargo: cargo, Nodes: nodes}))
	if err != nil {
		return paxos.RequestFail, err
	}
	return r.CliErr, nil
}

// Boot makes the peer the bootstrap member of a new group.
func (c *Client) Boot(nodes []site.NodeAddress) error {
	return c.conn.Write(clientMsg(paxos.AppData{Cargo: paxos.UnifiedBootType, Nodes: nodes}))
}

// Send submits an application payload for total ordering.
func (c *Client) Send(payload []byte) error {
	return c.conn.Write(clientMsg(paxos.AppData{Cargo: paxos.AppType, Body: payload}))
}

// AddNode asks the group to add members.
func (c *Client) AddNode(nodes []site.NodeAddress) (paxos.ReplyCode, error) {
	return c.sendConfig(paxos.AddNodeType, nodes)
}

// RemoveNode asks the group to remove members.
func (c *Client) RemoveNode(nodes []site.NodeAddress) (paxos.ReplyCode, error) {
	return c.sendConfig(paxos.RemoveNodeType, nodes)
}

// ForceConfig installs a quorum-loss recovery configuration.
func (c *Client) ForceConfig(nodes []site.NodeAddress) (paxos.ReplyCode, error) {
	return c.sendConfig(paxos.ForceConfigType, nodes)
}

// SetEventHorizon reconfigures the pipeline window.
func (c *Client) SetEventHorizon(h uint32) (paxos.ReplyCode, error) {
	r, err := c.sendAndWait(clientMsg(paxos.AppData{Cargo: paxos.SetEventHorizonType, EventHorizon: h}))
	if err != nil {
		return paxos.RequestFail, err
	}
	return r.CliErr, nil
}

// GetEventHorizon queries the active pipeline window.
func (c *Client) GetEventHorizon() (uint32, error) {
	r, err := c.sendAndWait(clientMsg(paxos.AppData{Cargo: paxos.GetEventHorizonType}))
	if err != nil {
		return 0, err
	}
	if r.CliErr != paxos.RequestOK {
		return 0, fmt.Errorf("get_event_horizon: %s", r.CliErr)
	}
	return r.EventHorizon, nil
}

// GetSynodeAppData fetches the decided payloads of specific synods.
func (c *Client) GetSynodeAppData(synodes []synode.Synode) ([]paxos.SynodeAppData, error) {
	r, err := c.sendAndWait(clientMsg(paxos.AppData{Cargo: paxos.GetSynodeAppDataType, Synodes: synodes}))
	if err != nil {
		return nil, err
	}
	if r.CliErr != paxos.RequestOK {
		return nil, fmt.Errorf("get_synode_app_data: %s", r.CliErr)
	}
	return r.RequestedSynodeAppData, nil
}

// TerminateAndExit asks the peer to shut down its engine.
func (c *Client) TerminateAndExit() error {
	_, err := c.sendAndWait(clientMsg(paxos.AppData{Cargo: paxos.TerminateAndExitType}))
	return err
}
