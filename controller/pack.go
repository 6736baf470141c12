package controller

import (
	"bufio"
	"fmt"
	"os"

	"github.com/richardartoul/tieredcache/operations"
)

// pack runs cmd to serialize its artifact into the file at path.
func (c *Controller) pack(cmd StoreCommand, path string) (operations.PackResult, error) {
	key := cmd.Key()
	var result operations.PackResult

	desc := operations.Descriptor{
		DisplayName: fmt.Sprintf("Pack %s build cache entry", key),
		Details:     operations.PackDetails{Key: key},
	}
	err := c.ops.Run(desc, func(opCtx operations.Context) error {
		file, err := os.Create(path)
		if err != nil {
			return &FatalError{Op: "pack", Key: key, Err: err}
		}
		defer file.Close()

		w := bufio.NewWriter(file)
		stored, err := cmd.Store(w)
		if err != nil {
			return &FatalError{Op: "pack", Key: key, Err: err}
		}
		if err := w.Flush(); err != nil {
			return &FatalError{Op: "pack", Key: key, Err: err}
		}
		if err := file.Close(); err != nil {
			return &FatalError{Op: "pack", Key: key, Err: err}
		}

		info, err := os.Stat(path)
		if err != nil {
			return &FatalError{Op: "pack", Key: key, Err: err}
		}

		result = operations.PackResult{
			ArtifactEntryCount: stored.ArtifactEntryCount,
			Size:               info.Size(),
		}
		opCtx.SetResult(result)
		return nil
	})
	return result, err
}

// unpackFile opens the file at path and unpacks it with cmd.
func (c *Controller) unpackFile(cmd LoadCommand, path string) (LoadResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return LoadResult{}, &FatalError{Op: "unpack", Key: cmd.Key(), Err: err}
	}
	defer file.Close()
	return c.unpack(cmd, file)
}

// unpack runs cmd to deserialize the entry in file.
func (c *Controller) unpack(cmd LoadCommand, file *os.File) (LoadResult, error) {
	key := cmd.Key()

	info, err := file.Stat()
	if err != nil {
		return LoadResult{}, &FatalError{Op: "unpack", Key: key, Err: err}
	}

	var result LoadResult
	desc := operations.Descriptor{
		DisplayName: fmt.Sprintf("Unpack %s build cache entry", key),
		Details:     operations.UnpackDetails{Key: key, Size: info.Size()},
	}
	err = c.ops.Run(desc, func(opCtx operations.Context) error {
		loaded, err := cmd.Load(bufio.NewReader(file))
		if err != nil {
			return &FatalError{Op: "unpack", Key: key, Err: err}
		}
		result = loaded
		opCtx.SetResult(operations.UnpackResult{ArtifactEntryCount: loaded.ArtifactEntryCount})
		return nil
	})
	return result, err
}
