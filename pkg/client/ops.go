package client

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mikekulinski/zkclient/pkg/proto"
	"github.com/mikekulinski/zkclient/pkg/session"
	"github.com/mikekulinski/zkclient/pkg/zookeeper"
)

// Create creates a znode at path holding data, with the given create
// flags and ACL (nil means the client's default ACL). It returns the
// created path, which differs from the requested one when FlagSequence is
// set.
func (c *Client) Create(ctx context.Context, path string, data []byte, flags int32, acl []proto.ACL) (string, error) {
	if err := validatePath(path); err != nil {
		return "", err
	}
	if path == "/" {
		return "", fmt.Errorf("%w: cannot create the root", zookeeper.ErrInvalidPath)
	}
	if len(acl) == 0 {
		acl = c.defaultACL
	}
	req := &proto.CreateRequest{
		Path:  c.fullPath(path),
		Data:  data,
		ACL:   acl,
		Flags: flags,
	}
	resp := &proto.CreateResponse{}
	if err := c.s.Do(ctx, proto.OpCreate, req, resp); err != nil {
		return "", err
	}
	return c.strippedPath(resp.Path), nil
}

// CreateAll creates path and any missing ancestors. Ancestors are created
// as permanent nodes with no data; flags and acl apply to the leaf only.
// A leaf that already exists is an error, an ancestor that already exists
// is not.
func (c *Client) CreateAll(ctx context.Context, path string, data []byte, flags int32, acl []proto.ACL) (string, error) {
	if err := validatePath(path); err != nil {
		return "", err
	}
	if path == "/" {
		return "", fmt.Errorf("%w: cannot create the root", zookeeper.ErrInvalidPath)
	}

	names := strings.Split(path, "/")[1:]
	parent := ""
	for _, name := range names[:len(names)-1] {
		parent += "/" + name
		_, err := c.Create(ctx, parent, nil, 0, nil)
		if err != nil && !errors.Is(err, zookeeper.ErrNodeExists) {
			return "", fmt.Errorf("creating ancestor %s: %w", parent, err)
		}
	}
	return c.Create(ctx, path, data, flags, acl)
}

// Delete removes the znode at path if it is at the expected version. Pass
// version -1 to skip the version check.
func (c *Client) Delete(ctx context.Context, path string, version int32) error {
	if err := validatePath(path); err != nil {
		return err
	}
	req := &proto.DeleteRequest{Path: c.fullPath(path), Version: version}
	return c.s.Do(ctx, proto.OpDelete, req, &proto.DeleteResponse{})
}

// DeleteRecursive removes the znode at path and everything below it,
// deepest first. Nodes that disappear mid-walk are tolerated.
func (c *Client) DeleteRecursive(ctx context.Context, path string) error {
	if err := validatePath(path); err != nil {
		return err
	}
	children, _, err := c.GetChildren(ctx, path)
	if err != nil {
		if errors.Is(err, zookeeper.ErrNoNode) {
			return nil
		}
		return err
	}
	for _, child := range children {
		childPath := path + "/" + child
		if path == "/" {
			childPath = "/" + child
		}
		if err := c.DeleteRecursive(ctx, childPath); err != nil {
			return err
		}
	}
	err = c.Delete(ctx, path, -1)
	if errors.Is(err, zookeeper.ErrNoNode) {
		return nil
	}
	return err
}

// Exists returns the znode's stat, or nil if it does not exist.
func (c *Client) Exists(ctx context.Context, path string) (*proto.Stat, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	req := &proto.ExistsRequest{Path: c.fullPath(path)}
	resp := &proto.ExistsResponse{}
	err := c.s.Do(ctx, proto.OpExists, req, resp, c.readOpts()...)
	if errors.Is(err, zookeeper.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &resp.Stat, nil
}

// ExistsW is Exists plus a one-shot watch: on the node's next data change
// or deletion if it exists, or on its creation if it does not.
func (c *Client) ExistsW(ctx context.Context, path string) (*proto.Stat, *session.Watcher, error) {
	if err := validatePath(path); err != nil {
		return nil, nil, err
	}
	w := session.NewChrootedWatcher(c.fullPath(path), path)
	req := &proto.ExistsRequest{Path: c.fullPath(path), Watch: true}
	resp := &proto.ExistsResponse{}
	err := c.s.Do(ctx, proto.OpExists, req, resp, c.readOpts(session.WithExistsWatch(w))...)
	if errors.Is(err, zookeeper.ErrNoNode) {
		return nil, w, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return &resp.Stat, w, nil
}

// GetData returns the znode's content and stat.
func (c *Client) GetData(ctx context.Context, path string) ([]byte, *proto.Stat, error) {
	if err := validatePath(path); err != nil {
		return nil, nil, err
	}
	req := &proto.GetDataRequest{Path: c.fullPath(path)}
	resp := &proto.GetDataResponse{}
	if err := c.s.Do(ctx, proto.OpGetData, req, resp, c.readOpts()...); err != nil {
		return nil, nil, err
	}
	return resp.Data, &resp.Stat, nil
}

// GetDataW is GetData plus a one-shot watch on the node's next data
// change or deletion.
func (c *Client) GetDataW(ctx context.Context, path string) ([]byte, *proto.Stat, *session.Watcher, error) {
	if err := validatePath(path); err != nil {
		return nil, nil, nil, err
	}
	w := session.NewChrootedWatcher(c.fullPath(path), path)
	req := &proto.GetDataRequest{Path: c.fullPath(path), Watch: true}
	resp := &proto.GetDataResponse{}
	err := c.s.Do(ctx, proto.OpGetData, req, resp,
		c.readOpts(session.WithWatch(w, zookeeper.WatchData))...)
	if err != nil {
		return nil, nil, nil, err
	}
	return resp.Data, &resp.Stat, w, nil
}

// SetData replaces the znode's content if it is at the expected version.
// Pass version -1 to skip the version check.
func (c *Client) SetData(ctx context.Context, path string, data []byte, version int32) (*proto.Stat, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	req := &proto.SetDataRequest{Path: c.fullPath(path), Data: data, Version: version}
	resp := &proto.SetDataResponse{}
	if err := c.s.Do(ctx, proto.OpSetData, req, resp); err != nil {
		return nil, err
	}
	return &resp.Stat, nil
}

// GetChildren returns the names of the znode's children and its stat.
func (c *Client) GetChildren(ctx context.Context, path string) ([]string, *proto.Stat, error) {
	if err := validatePath(path); err != nil {
		return nil, nil, err
	}
	req := &proto.GetChildrenRequest{Path: c.fullPath(path)}
	resp := &proto.GetChildren2Response{}
	if err := c.s.Do(ctx, proto.OpGetChildren2, req, resp, c.readOpts()...); err != nil {
		return nil, nil, err
	}
	return resp.Children, &resp.Stat, nil
}

// GetChildrenW is GetChildren plus a one-shot watch on the next change to
// the node's child list, or its deletion.
func (c *Client) GetChildrenW(ctx context.Context, path string) ([]string, *proto.Stat, *session.Watcher, error) {
	if err := validatePath(path); err != nil {
		return nil, nil, nil, err
	}
	w := session.NewChrootedWatcher(c.fullPath(path), path)
	req := &proto.GetChildrenRequest{Path: c.fullPath(path), Watch: true}
	resp := &proto.GetChildren2Response{}
	err := c.s.Do(ctx, proto.OpGetChildren2, req, resp,
		c.readOpts(session.WithWatch(w, zookeeper.WatchChild))...)
	if err != nil {
		return nil, nil, nil, err
	}
	return resp.Children, &resp.Stat, w, nil
}

// GetACL returns the znode's ACL and stat.
func (c *Client) GetACL(ctx context.Context, path string) ([]proto.ACL, *proto.Stat, error) {
	if err := validatePath(path); err != nil {
		return nil, nil, err
	}
	req := &proto.GetACLRequest{Path: c.fullPath(path)}
	resp := &proto.GetACLResponse{}
	if err := c.s.Do(ctx, proto.OpGetACL, req, resp, c.readOpts()...); err != nil {
		return nil, nil, err
	}
	return resp.ACL, &resp.Stat, nil
}

// SetACL replaces the znode's ACL if it is at the expected ACL version.
// Pass version -1 to skip the version check.
func (c *Client) SetACL(ctx context.Context, path string, acl []proto.ACL, version int32) (*proto.Stat, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	req := &proto.SetACLRequest{Path: c.fullPath(path), ACL: acl, Version: version}
	resp := &proto.SetACLResponse{}
	if err := c.s.Do(ctx, proto.OpSetACL, req, resp); err != nil {
		return nil, err
	}
	return &resp.Stat, nil
}

// Sync flushes the channel between the connected server and the leader so
// a following read observes every update committed before the sync.
func (c *Client) Sync(ctx context.Context, path string) error {
	if err := validatePath(path); err != nil {
		return err
	}
	req := &proto.SyncRequest{Path: c.fullPath(path)}
	return c.s.Do(ctx, proto.OpSync, req, &proto.SyncResponse{})
}
