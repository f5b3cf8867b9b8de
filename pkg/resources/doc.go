// Package resources defines the Image, Storage, Node and VM records handled by
// the vmforge agents, their lifecycle transition tables, and the repository
// contracts the agents persist through.
//
// Images move creating -> ok, through downloading during uploads, and end in
// deleted or failed. Storages toggle between ok and locked. Nodes move between
// ok, offline and suspend. An attached image is always in state ok, and the
// disk device index of an attached image is unique among the images of its VM.
package resources
