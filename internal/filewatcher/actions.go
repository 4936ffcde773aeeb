package filewatcher

import (
	"log/slog"

	"github.com/tripwire/chainwatch/internal/notify"
)

// eventActionKind is a high-level reaction to a notification.
type eventActionKind uint8

const (
	actIgnore eventActionKind = iota
	actPlainChange
	actRestartWatching
	actAddRegular
	actDropRegular
	actAddDirectory
	actDropDirectory
	actRewireSymlink
	actDropSymlink
	actSettlePath
)

// pathsActionData identifies the node an eventAction applies to and how to
// resume the walk from it.
type pathsActionData struct {
	dirFileName dirFileName
	args        processPathArgs
}

func actionData(c *common) pathsActionData {
	return pathsActionData{dirFileName: c.dirFileName, args: c.processPathArgs()}
}

type eventAction struct {
	kind eventActionKind
	// path is set for actPlainChange and actSettlePath.
	path string
	// data is set for the add, drop and rewire actions.
	data pathsActionData
}

// pathsActionKind is a low-level step executed by FileWatcher.handleEvent.
type pathsActionKind uint8

const (
	paNotifyFileAppeared pathsActionKind = iota + 1
	paNotifyFileModified
	paNotifyFileDisappeared
	paDropWatch
	paAddPathToSettle
	paSettlePath
	paProcessPathAfterSettle
	paRestartWatching
)

type pathsAction struct {
	kind pathsActionKind
	path string
	args processPathArgs
}

// eventActions translates a notification into high-level actions. The
// lookups all use the state as it was before any of the actions run.
//
// Typical notifications, with a and b in one watched directory:
//
//	touch a, ln -sf foo a, mkdir a, mv ../a .   Create(a)
//	mv a b                                      NoticeRemove(a), Rename(a, b)
//	rm a, mv a ..                               NoticeRemove(a), Remove(a)
//	echo foo >a (a existed)                     NoticeWrite(a), Write(a)
func eventActions(p *paths, ev notify.Event) []eventAction {
	switch ev.Op {
	case notify.NoticeWrite:
		// Write follows.
		return nil
	case notify.Write, notify.Chmod:
		if wf, ok := p.paths[ev.Path]; ok && wf.kind == kindRegular {
			return []eventAction{{kind: actPlainChange, path: ev.Path}}
		}
		return nil
	case notify.NoticeRemove:
		return oneAction(noticeRemoveAction(p, ev.Path))
	case notify.Remove:
		return removeActions(p, ev.Path)
	case notify.Create:
		return oneAction(createAction(p, ev.Path))
	case notify.Rename:
		// The destination gets no notice of its own when it is replaced, so
		// emulate one and settle it. Something may also have been moved
		// into a position we were waiting on.
		var actions []eventAction
		actions = append(actions, oneAction(noticeRemoveAction(p, ev.To))...)
		actions = append(actions, eventAction{kind: actSettlePath, path: ev.To})
		if wf, ok := p.paths[ev.To]; ok && (wf.kind == kindMissingRegular || wf.kind == kindMissingDirectory) {
			actions = append(actions, oneAction(createAction(p, ev.To))...)
		}
		return append(actions, removeActions(p, ev.Path)...)
	case notify.Rescan, notify.Error:
		return []eventAction{{kind: actRestartWatching}}
	default:
		p.logger.Warn("filewatcher: unknown notification", slog.String("op", ev.Op.String()))
		return nil
	}
}

func oneAction(a eventAction) []eventAction {
	if a.kind == actIgnore {
		return nil
	}
	return []eventAction{a}
}

func createAction(p *paths, path string) eventAction {
	wf, ok := p.paths[path]
	if !ok {
		return eventAction{}
	}
	switch wf.kind {
	case kindMissingRegular:
		return eventAction{kind: actAddRegular, data: actionData(&wf.common)}
	case kindMissingDirectory:
		return eventAction{kind: actAddDirectory, data: actionData(&wf.common)}
	case kindSymlink:
		// Something was put back where the symlink was.
		return eventAction{kind: actRewireSymlink, data: actionData(&wf.common)}
	case kindRegular, kindDirectory:
		// Creating what we already consider present means we missed
		// something; resynchronize from scratch.
		return eventAction{kind: actRestartWatching}
	}
	return eventAction{}
}

func noticeRemoveAction(p *paths, path string) eventAction {
	wf, ok := p.paths[path]
	if !ok {
		return eventAction{}
	}
	switch wf.kind {
	case kindRegular:
		return eventAction{kind: actDropRegular, data: actionData(&wf.common)}
	case kindDirectory:
		// Removed, moved away, or replaced by a directory moved over it.
		return eventAction{kind: actDropDirectory, data: actionData(&wf.common)}
	case kindSymlink:
		return eventAction{kind: actDropSymlink, data: actionData(&wf.common)}
	case kindMissingRegular, kindMissingDirectory:
		// Whatever was in the way went away; it was never part of the chain.
	}
	return eventAction{}
}

// removeActions handles the delayed removal of path. A node that still
// looks present lost its notice; tear it down and settle at once. Anything
// else may be a path we are waiting to settle.
func removeActions(p *paths, path string) []eventAction {
	if drop := noticeRemoveAction(p, path); drop.kind != actIgnore {
		return []eventAction{drop, {kind: actSettlePath, path: path}}
	}
	return []eventAction{{kind: actSettlePath, path: path}}
}

// pathsActions expands the event's actions into low-level steps.
func pathsActions(p *paths, ev notify.Event) []pathsAction {
	var actions []pathsAction
	for _, ea := range eventActions(p, ev) {
		switch ea.kind {
		case actIgnore:
		case actPlainChange:
			actions = append(actions, pathsAction{kind: paNotifyFileModified, path: ea.path})
		case actRestartWatching:
			actions = append(actions, pathsAction{kind: paRestartWatching})
		case actAddRegular, actAddDirectory:
			actions = append(actions,
				pathsAction{kind: paDropWatch, path: ea.data.dirFileName.asPath()},
				pathsAction{kind: paProcessPathAfterSettle, args: ea.data.args},
			)
		case actDropRegular, actDropDirectory, actDropSymlink:
			actions = append(actions, dropCommon(p, ea.data)...)
		case actRewireSymlink:
			actions = append(actions, dropCommon(p, ea.data)...)
			actions = append(actions, pathsAction{kind: paSettlePath, path: ea.data.dirFileName.asPath()})
		case actSettlePath:
			actions = append(actions, pathsAction{kind: paSettlePath, path: ea.path})
		}
	}
	return actions
}

// dropCommon tears down the node and everything after it in the chain, then
// schedules a walk from the node's position once its removal settles.
func dropCommon(p *paths, data pathsActionData) []pathsAction {
	path := data.dirFileName.asPath()
	actions := []pathsAction{{kind: paAddPathToSettle, path: path}}

	seen := make(map[string]bool)
	for next := path; next != "" && !seen[next]; {
		seen[next] = true
		actions = append(actions, pathsAction{kind: paDropWatch, path: next})
		wf, ok := p.paths[next]
		if !ok {
			break
		}
		next = wf.next
	}

	return append(actions,
		pathsAction{kind: paNotifyFileDisappeared},
		pathsAction{kind: paProcessPathAfterSettle, args: data.args},
	)
}
