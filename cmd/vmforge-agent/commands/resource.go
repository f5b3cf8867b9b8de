package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/c2h5oh/datasize"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/vmforge/vmforge/pkg/config"
	"github.com/vmforge/vmforge/pkg/resources"
	"github.com/vmforge/vmforge/pkg/stores"
)

func newResourceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resource",
		Short: "Manage the resource records tasks operate on",
		Long: `Register and inspect images, storages, nodes and VMs.

The agent normally receives these records from the cluster manager. The
commands here seed and inspect them for standalone use.`,
	}

	add := &cobra.Command{
		Use:   "add",
		Short: "Register a resource",
	}
	add.AddCommand(newAddImageCommand())
	add.AddCommand(newAddStorageCommand())
	add.AddCommand(newAddNodeCommand())
	add.AddCommand(newAddVMCommand())

	cmd.AddCommand(add)
	cmd.AddCommand(newResourceShowCommand())
	cmd.AddCommand(newResourceListCommand())
	return cmd
}

func newAddImageCommand() *cobra.Command {
	var (
		name, format, size, storage, state, backing string
	)

	cmd := &cobra.Command{
		Use:   "image <id>",
		Short: "Register an image",
		Example: `  vmforge-agent resource add image img-1 --storage st-1 --format qcow2 --size 10GB`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var bytes datasize.ByteSize
			if err := bytes.UnmarshalText([]byte(size)); err != nil {
				return fmt.Errorf("invalid size %q: %w", size, err)
			}
			img := &resources.Image{
				ID:              args[0],
				Name:            name,
				Format:          resources.ImageFormat(format),
				Size:            int64(bytes.Bytes()),
				State:           resources.ImageState(state),
				StorageID:       storage,
				BackingFileName: backing,
			}
			if !img.Format.Valid() {
				return fmt.Errorf("unsupported image format %q", format)
			}
			return withStore(cmd.Context(), func(_ *config.Config, store *stores.SQLiteStore) error {
				if err := store.CreateImage(cmd.Context(), img); err != nil {
					return err
				}
				fmt.Printf("✓ Registered image %s (%s, %s)\n", img.ID, img.Format, humanize.IBytes(uint64(img.Size)))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&format, "format", string(resources.ImageFormatRaw), "image format (raw, qcow2, qed)")
	cmd.Flags().StringVar(&size, "size", "0", "image size, e.g. 10GB")
	cmd.Flags().StringVar(&storage, "storage", "", "storage holding the image file")
	cmd.Flags().StringVar(&state, "state", string(resources.ImageStateCreating), "initial state")
	cmd.Flags().StringVar(&backing, "backing-file", "", "file name inside the storage, defaults to the id")
	_ = cmd.MarkFlagRequired("storage")
	return cmd
}

func newAddStorageCommand() *cobra.Command {
	var name, path string

	cmd := &cobra.Command{
		Use:   "storage <id>",
		Short: "Register a storage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st := &resources.Storage{
				ID:    args[0],
				Name:  name,
				Path:  path,
				State: resources.StorageStateOK,
			}
			return withStore(cmd.Context(), func(_ *config.Config, store *stores.SQLiteStore) error {
				if err := store.SaveStorage(cmd.Context(), st); err != nil {
					return err
				}
				fmt.Printf("✓ Registered storage %s at %s\n", st.ID, st.Path)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&path, "path", "", "mount point of the storage")
	_ = cmd.MarkFlagRequired("path")
	return cmd
}

func newAddNodeCommand() *cobra.Command {
	var (
		address, user, state string
		props                []string
	)

	cmd := &cobra.Command{
		Use:     "node <id>",
		Short:   "Register a hypervisor node",
		Example: `  vmforge-agent resource add node node-1 --address 10.0.0.5 --prop mac=52:54:00:12:34:56`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			properties, err := parsePairs(props)
			if err != nil {
				return err
			}
			node := &resources.Node{
				ID:         args[0],
				Address:    address,
				Username:   user,
				State:      resources.NodeState(state),
				Properties: properties,
			}
			return withStore(cmd.Context(), func(_ *config.Config, store *stores.SQLiteStore) error {
				if err := store.SaveNode(cmd.Context(), node); err != nil {
					return err
				}
				fmt.Printf("✓ Registered node %s at %s\n", node.ID, node.Address)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "node address")
	cmd.Flags().StringVar(&user, "user", "", "ssh user, defaults to ssh.user")
	cmd.Flags().StringVar(&state, "state", string(resources.NodeStateOK), "node state")
	cmd.Flags().StringArrayVar(&props, "prop", nil, "node property as key=value (repeatable)")
	_ = cmd.MarkFlagRequired("address")
	return cmd
}

func newAddVMCommand() *cobra.Command {
	var name, libvirtName, node, state, baseImage string

	cmd := &cobra.Command{
		Use:   "vm <id>",
		Short: "Register a virtual machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vm := &resources.VM{
				ID:          args[0],
				Name:        name,
				LibvirtName: libvirtName,
				NodeID:      node,
				State:       resources.VMState(state),
				BaseImageID: baseImage,
			}
			if vm.LibvirtName == "" {
				vm.LibvirtName = vm.ID
			}
			return withStore(cmd.Context(), func(_ *config.Config, store *stores.SQLiteStore) error {
				if err := store.SaveVM(cmd.Context(), vm); err != nil {
					return err
				}
				fmt.Printf("✓ Registered vm %s on node %s\n", vm.ID, vm.NodeID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&libvirtName, "libvirt-name", "", "libvirt domain name, defaults to the id")
	cmd.Flags().StringVar(&node, "node", "", "hosting node")
	cmd.Flags().StringVar(&state, "state", string(resources.VMStateStopped), "vm state")
	cmd.Flags().StringVar(&baseImage, "base-image", "", "base image id")
	_ = cmd.MarkFlagRequired("node")
	return cmd
}

func newResourceShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "show <image|storage|node|vm> <id>",
		Short:     "Show a resource record",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"image", "storage", "node", "vm"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(_ *config.Config, store *stores.SQLiteStore) error {
				rec, err := getResource(cmd.Context(), store, resources.Kind(args[0]), args[1])
				if err != nil {
					return err
				}
				return printJSON(rec)
			})
		},
	}
}

func getResource(ctx context.Context, repo resources.Repository, kind resources.Kind, id string) (interface{}, error) {
	switch kind {
	case resources.KindImage:
		return repo.GetImage(ctx, id)
	case resources.KindStorage:
		return repo.GetStorage(ctx, id)
	case resources.KindNode:
		return repo.GetNode(ctx, id)
	case resources.KindVM:
		return repo.GetVM(ctx, id)
	}
	return nil, fmt.Errorf("unknown resource kind %q", kind)
}

func newResourceListCommand() *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:       "list <images|nodes>",
		Short:     "List images or nodes",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"images", "nodes"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(_ *config.Config, store *stores.SQLiteStore) error {
				ctx := cmd.Context()
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				defer w.Flush()

				switch args[0] {
				case "images":
					images, err := store.ListImages(ctx, limit, offset)
					if err != nil {
						return err
					}
					if jsonOutput {
						return printJSON(images)
					}
					fmt.Fprintln(w, "ID\tFORMAT\tSIZE\tSTATE\tPROGRESS\tATTACHED\tUPDATED")
					for _, img := range images {
						attached := "-"
						if img.IsAttached() && img.DiskDeviceIndex != nil {
							attached = fmt.Sprintf("%s (%s)", *img.AttachedTo, resources.DeviceTarget(*img.DiskDeviceIndex))
						}
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.0f%%\t%s\t%s\n",
							img.ID, img.Format, humanize.IBytes(uint64(img.Size)), img.State,
							img.Progress*100, attached, humanize.Time(img.UpdatedAt))
					}
				case "nodes":
					nodes, err := store.ListNodes(ctx)
					if err != nil {
						return err
					}
					if jsonOutput {
						return printJSON(nodes)
					}
					fmt.Fprintln(w, "ID\tADDRESS\tSTATE\tMAC\tUPDATED")
					for _, n := range nodes {
						mac, ok := n.Prop(resources.NodePropMAC)
						if !ok {
							mac = "-"
						}
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", n.ID, n.Address, n.State, mac, humanize.Time(n.UpdatedAt))
					}
				default:
					return fmt.Errorf("unknown resource list %q", args[0])
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of records")
	cmd.Flags().IntVar(&offset, "offset", 0, "records to skip")
	return cmd
}

// parsePairs turns key=value arguments into a map.
func parsePairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		out[k] = v
	}
	return out, nil
}
