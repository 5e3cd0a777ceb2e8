// Package sharder maps blob keys onto a two-level directory layout so that no
// single remote directory grows without bound.
//
// A key "abcdef12" stored under root "/store" lives at
// "/store/ab/cd/abcdef12". The first four bytes of the key pick the shard
// directories; the full key is always the leaf name.
package sharder

import (
	"path"
	"strings"

	"github.com/treenewbee/activestorage-sftp/pkg/xerrors"
)

// MinKeyLen is the shortest key the layout can place.
const MinKeyLen = 4

// ValidateKey rejects keys that cannot be placed safely under root.
func ValidateKey(key string) error {
	if len(key) < MinKeyLen {
		return xerrors.E(xerrors.KindInvalid, "sharder.key", key)
	}
	if strings.ContainsAny(key, "/\\\x00") {
		return xerrors.E(xerrors.KindInvalid, "sharder.key", key)
	}
	if key[0:2] == ".." || key[2:4] == ".." {
		return xerrors.E(xerrors.KindInvalid, "sharder.key", key)
	}
	return nil
}

// ValidatePrefix rejects key prefixes whose shard parts could name a
// directory outside root. The empty prefix is valid.
func ValidatePrefix(prefix string) error {
	if strings.ContainsAny(prefix, "/\\\x00") {
		return xerrors.E(xerrors.KindInvalid, "sharder.prefix", prefix)
	}
	for _, start := range []int{0, 2} {
		if start >= len(prefix) {
			break
		}
		part := prefix[start:min(start+2, len(prefix))]
		if part == "." || part == ".." {
			return xerrors.E(xerrors.KindInvalid, "sharder.prefix", prefix)
		}
	}
	return nil
}

// ShardDirs returns the two shard directory names for key.
func ShardDirs(key string) ([2]string, error) {
	if err := ValidateKey(key); err != nil {
		return [2]string{}, err
	}
	return [2]string{key[0:2], key[2:4]}, nil
}

// RelativeFolder returns "ab/cd" for key "abcd...".
func RelativeFolder(key string) (string, error) {
	dirs, err := ShardDirs(key)
	if err != nil {
		return "", err
	}
	return dirs[0] + "/" + dirs[1], nil
}

// RelativePath returns "ab/cd/abcd..." for key "abcd...".
func RelativePath(key string) (string, error) {
	folder, err := RelativeFolder(key)
	if err != nil {
		return "", err
	}
	return folder + "/" + key, nil
}

// FolderFor returns the shard directory holding key under root.
func FolderFor(root, key string) (string, error) {
	folder, err := RelativeFolder(key)
	if err != nil {
		return "", err
	}
	return path.Join(rootOrDot(root), folder), nil
}

// PathFor returns the full remote path of key under root.
func PathFor(root, key string) (string, error) {
	folder, err := FolderFor(root, key)
	if err != nil {
		return "", err
	}
	return path.Join(folder, key), nil
}

func rootOrDot(root string) string {
	if root == "" {
		return "."
	}
	return root
}
