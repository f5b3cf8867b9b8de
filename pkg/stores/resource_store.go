package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vmforge/vmforge/pkg/resources"
)

const imageColumns = `id, name, format, size, state, storage_id, backing_file_name,
	attached_to, disk_device_index, progress, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanImage(row rowScanner) (*resources.Image, error) {
	img := &resources.Image{}
	var attachedTo sql.NullString
	var deviceIndex sql.NullInt64
	err := row.Scan(
		&img.ID,
		&img.Name,
		&img.Format,
		&img.Size,
		&img.State,
		&img.StorageID,
		&img.BackingFileName,
		&attachedTo,
		&deviceIndex,
		&img.Progress,
		&img.CreatedAt,
		&img.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if attachedTo.Valid {
		img.AttachedTo = &attachedTo.String
	}
	if deviceIndex.Valid {
		idx := int(deviceIndex.Int64)
		img.DiskDeviceIndex = &idx
	}
	return img, nil
}

// CreateImage inserts a new image record
func (s *SQLiteStore) CreateImage(ctx context.Context, img *resources.Image) error {
	now := time.Now().UTC()
	if img.CreatedAt.IsZero() {
		img.CreatedAt = now
	}
	img.UpdatedAt = now
	if img.State == "" {
		img.State = resources.ImageStateCreating
	}

	query := `INSERT INTO images (` + imageColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		img.ID, img.Name, img.Format, img.Size, img.State, img.StorageID, img.BackingFileName,
		img.AttachedTo, img.DiskDeviceIndex, img.Progress, img.CreatedAt, img.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create image: %w", err)
	}
	return nil
}

// GetImage retrieves an image by ID
func (s *SQLiteStore) GetImage(ctx context.Context, id string) (*resources.Image, error) {
	query := `SELECT ` + imageColumns + ` FROM images WHERE id = ?`
	img, err := scanImage(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("image not found: %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get image: %w", err)
	}
	return img, nil
}

// SaveImage persists all mutable image fields
func (s *SQLiteStore) SaveImage(ctx context.Context, img *resources.Image) error {
	img.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE images
		SET name = ?, format = ?, size = ?, state = ?, storage_id = ?, backing_file_name = ?,
			attached_to = ?, disk_device_index = ?, progress = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		img.Name, img.Format, img.Size, img.State, img.StorageID, img.BackingFileName,
		img.AttachedTo, img.DiskDeviceIndex, img.Progress, img.UpdatedAt, img.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to save image: %w", err)
	}
	return requireRow(result, "image", img.ID)
}

// ListImagesAttachedTo returns the images attached to a VM ordered by device index
func (s *SQLiteStore) ListImagesAttachedTo(ctx context.Context, vmID string) ([]*resources.Image, error) {
	query := `SELECT ` + imageColumns + ` FROM images WHERE attached_to = ? ORDER BY disk_device_index ASC`
	return s.queryImages(ctx, query, vmID)
}

// ListImages lists images with pagination
func (s *SQLiteStore) ListImages(ctx context.Context, limit, offset int) ([]*resources.Image, error) {
	query := `SELECT ` + imageColumns + ` FROM images ORDER BY created_at ASC LIMIT ? OFFSET ?`
	return s.queryImages(ctx, query, limit, offset)
}

func (s *SQLiteStore) queryImages(ctx context.Context, query string, args ...interface{}) ([]*resources.Image, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	defer rows.Close()

	images := []*resources.Image{}
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan image: %w", err)
		}
		images = append(images, img)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating images: %w", err)
	}

	return images, nil
}

// GetStorage retrieves a storage by ID
func (s *SQLiteStore) GetStorage(ctx context.Context, id string) (*resources.Storage, error) {
	query := `SELECT id, name, state, path, created_at, updated_at FROM storages WHERE id = ?`

	st := &resources.Storage{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&st.ID, &st.Name, &st.State, &st.Path, &st.CreatedAt, &st.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("storage not found: %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get storage: %w", err)
	}
	return st, nil
}

// SaveStorage inserts or updates a storage
func (s *SQLiteStore) SaveStorage(ctx context.Context, st *resources.Storage) error {
	now := time.Now().UTC()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.UpdatedAt = now

	query := `
		INSERT INTO storages (id, name, state, path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			state = excluded.state,
			path = excluded.path,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query, st.ID, st.Name, st.State, st.Path, st.CreatedAt, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save storage: %w", err)
	}
	return nil
}

// GetNode retrieves a node by ID
func (s *SQLiteStore) GetNode(ctx context.Context, id string) (*resources.Node, error) {
	query := `SELECT id, address, username, state, properties, created_at, updated_at FROM nodes WHERE id = ?`
	node, err := scanNode(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("node not found: %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	return node, nil
}

func scanNode(row rowScanner) (*resources.Node, error) {
	node := &resources.Node{}
	var props string
	if err := row.Scan(
		&node.ID, &node.Address, &node.Username, &node.State, &props, &node.CreatedAt, &node.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if props != "" {
		if err := json.Unmarshal([]byte(props), &node.Properties); err != nil {
			return nil, fmt.Errorf("failed to decode node properties: %w", err)
		}
	}
	return node, nil
}

// ListNodes lists all nodes
func (s *SQLiteStore) ListNodes(ctx context.Context) ([]*resources.Node, error) {
	query := `SELECT id, address, username, state, properties, created_at, updated_at FROM nodes ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	nodes := []*resources.Node{}
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, node)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nodes: %w", err)
	}
	return nodes, nil
}

// SaveNode inserts or updates a node
func (s *SQLiteStore) SaveNode(ctx context.Context, node *resources.Node) error {
	now := time.Now().UTC()
	if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}
	node.UpdatedAt = now

	props, err := marshalJSON(node.Properties)
	if err != nil {
		return fmt.Errorf("failed to encode node properties: %w", err)
	}

	query := `
		INSERT INTO nodes (id, address, username, state, properties, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			address = excluded.address,
			username = excluded.username,
			state = excluded.state,
			properties = excluded.properties,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		node.ID, node.Address, node.Username, node.State, props, node.CreatedAt, node.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save node: %w", err)
	}
	return nil
}

const vmColumns = `id, name, libvirt_name, state, node_id, base_image_id, created_at, updated_at`

func scanVM(row rowScanner) (*resources.VM, error) {
	vm := &resources.VM{}
	var baseImage sql.NullString
	if err := row.Scan(
		&vm.ID, &vm.Name, &vm.LibvirtName, &vm.State, &vm.NodeID, &baseImage, &vm.CreatedAt, &vm.UpdatedAt,
	); err != nil {
		return nil, err
	}
	vm.BaseImageID = baseImage.String
	return vm, nil
}

// GetVM retrieves a VM by ID
func (s *SQLiteStore) GetVM(ctx context.Context, id string) (*resources.VM, error) {
	query := `SELECT ` + vmColumns + ` FROM vms WHERE id = ?`
	vm, err := scanVM(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("vm not found: %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get vm: %w", err)
	}
	return vm, nil
}

// SaveVM inserts or updates a VM
func (s *SQLiteStore) SaveVM(ctx context.Context, vm *resources.VM) error {
	now := time.Now().UTC()
	if vm.CreatedAt.IsZero() {
		vm.CreatedAt = now
	}
	vm.UpdatedAt = now

	var baseImage *string
	if vm.BaseImageID != "" {
		baseImage = &vm.BaseImageID
	}

	query := `
		INSERT INTO vms (` + vmColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			libvirt_name = excluded.libvirt_name,
			state = excluded.state,
			node_id = excluded.node_id,
			base_image_id = excluded.base_image_id,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		vm.ID, vm.Name, vm.LibvirtName, vm.State, vm.NodeID, baseImage, vm.CreatedAt, vm.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save vm: %w", err)
	}
	return nil
}

// ListVMsUsingImage returns VMs whose base image is imageID
func (s *SQLiteStore) ListVMsUsingImage(ctx context.Context, imageID string) ([]*resources.VM, error) {
	query := `SELECT ` + vmColumns + ` FROM vms WHERE base_image_id = ? ORDER BY id`
	return s.queryVMs(ctx, query, imageID)
}

// ListVMsOnNode returns VMs on a node, optionally restricted to the given states
func (s *SQLiteStore) ListVMsOnNode(ctx context.Context, nodeID string, states ...resources.VMState) ([]*resources.VM, error) {
	query := `SELECT ` + vmColumns + ` FROM vms WHERE node_id = ?`
	args := []interface{}{nodeID}
	if len(states) > 0 {
		placeholders := make([]string, len(states))
		for i, st := range states {
			placeholders[i] = "?"
			args = append(args, st)
		}
		query += ` AND state IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY id`
	return s.queryVMs(ctx, query, args...)
}

func (s *SQLiteStore) queryVMs(ctx context.Context, query string, args ...interface{}) ([]*resources.VM, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list vms: %w", err)
	}
	defer rows.Close()

	vms := []*resources.VM{}
	for rows.Next() {
		vm, err := scanVM(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vm: %w", err)
		}
		vms = append(vms, vm)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating vms: %w", err)
	}
	return vms, nil
}

// CreateDevice creates a device record
func (s *SQLiteStore) CreateDevice(ctx context.Context, d *resources.Device) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO devices (id, object_id, vm_id, xml, created_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, d.ID, d.ObjectID, d.VMID, d.XML, d.CreatedAt); err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}
	return nil
}

// DeleteDevice deletes a device by ID
func (s *SQLiteStore) DeleteDevice(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	return requireRow(result, "device", id)
}

// DeleteDevicesForObject deletes every device record of an attached object
func (s *SQLiteStore) DeleteDevicesForObject(ctx context.Context, objectID string) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE object_id = ?`, objectID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete devices: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rows), nil
}

// ListDevicesForVM lists the device records of a VM
func (s *SQLiteStore) ListDevicesForVM(ctx context.Context, vmID string) ([]*resources.Device, error) {
	query := `SELECT id, object_id, vm_id, xml, created_at FROM devices WHERE vm_id = ? ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, vmID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	devices := []*resources.Device{}
	for rows.Next() {
		d := &resources.Device{}
		if err := rows.Scan(&d.ID, &d.ObjectID, &d.VMID, &d.XML, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}
	return devices, nil
}
