// Package resources computes the file-resource lists fwup needs at
// various points: every resource in an archive, the ones a single task
// references, and the ones any task references (the rest being
// accessible only by reading the archive directly, outside of fwup).
//
// Grounded on resources.h/resources.c's resource_list linked list and its
// rlist_get_all/rlist_get_used/rlist_get_from_task/rlist_subtract/
// rlist_find_by_name API, re-expressed as a plain []*cfgfile.FileResource
// slice -- Go slices already give duplicate-free, ordered iteration
// without needing a hand-rolled list type.
package resources

import (
	"fmt"

	"github.com/fwup-go/fwup/internal/cfgfile"
)

// All returns every file-resource declared in cfg, in declaration order.
func All(cfg *cfgfile.Config) []*cfgfile.FileResource {
	out := make([]*cfgfile.FileResource, len(cfg.FileResources))
	copy(out, cfg.FileResources)
	return out
}

// FromTask returns the file-resources task references through its
// on-resource handlers, in the order they're declared on the task. It is
// an error for a task to reference a resource missing from cfg -- that
// means the archive is corrupt.
func FromTask(cfg *cfgfile.Config, task *cfgfile.Task) ([]*cfgfile.FileResource, error) {
	var list []*cfgfile.FileResource
	for _, name := range task.OnResourceNames() {
		if FindByName(list, name) != nil {
			continue
		}
		r, ok := cfg.FileResourceByName(name)
		if !ok {
			return nil, fmt.Errorf("resources: resource %q used, but metadata is missing; archive is corrupt", name)
		}
		list = append(list, r)
	}
	return list, nil
}

// Used returns every file-resource referenced by any task in cfg. Unlike
// All, it omits resources that are present in the archive but never used
// by a task -- those are legal (accessed outside of fwup) but don't need
// to be staged for an apply run.
func Used(cfg *cfgfile.Config) ([]*cfgfile.FileResource, error) {
	var list []*cfgfile.FileResource
	for _, task := range cfg.Tasks {
		fromTask, err := FromTask(cfg, task)
		if err != nil {
			return nil, err
		}
		for _, r := range fromTask {
			if FindByName(list, r.Name) == nil {
				list = append(list, r)
			}
		}
	}
	return list, nil
}

// FindByName returns the resource named name in list, or nil if absent.
func FindByName(list []*cfgfile.FileResource, name string) *cfgfile.FileResource {
	for _, r := range list {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// Subtract returns the resources in list that are not present in what, by
// name, preserving list's order.
func Subtract(list, what []*cfgfile.FileResource) []*cfgfile.FileResource {
	var kept []*cfgfile.FileResource
	for _, r := range list {
		if FindByName(what, r.Name) == nil {
			kept = append(kept, r)
		}
	}
	return kept
}
