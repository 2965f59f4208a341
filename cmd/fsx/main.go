// Binary fsx is the cfs command-line client: it uploads local files and
// directories into CAS, downloads blobs back out, and mounts a CAS tree via
// cfsd.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	log "github.com/golang/glog"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/leakingtapan/cfs/casclient"
	"github.com/leakingtapan/cfs/gitlfs"
	"github.com/leakingtapan/cfs/hash"
	"github.com/leakingtapan/cfs/traverse"
	"github.com/leakingtapan/cfs/upload"
)

func main() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")

	if len(os.Args) < 2 {
		log.Exit("usage: fsx <upload|download|mount> ...")
	}
	cmd, args := os.Args[1], os.Args[2:]

	var err error
	switch cmd {
	case "upload":
		err = runUpload(args)
	case "download":
		err = runDownload(args)
	case "mount":
		err = runMount(args)
	default:
		log.Exitf("unknown subcommand %q, want upload|download|mount", cmd)
	}
	if err != nil {
		log.Exit(err)
	}
}

// pipelineUploader adapts an upload.Pipeline's input channel to the
// traverse.Uploader interface.
type pipelineUploader struct {
	in chan<- upload.WriteTask
}

func (u pipelineUploader) UploadBlob(digest *repb.Digest, data []byte) {
	u.in <- upload.WriteTask{Digest: digest, Data: data}
}

func (u pipelineUploader) UploadFile(digest *repb.Digest, path string) {
	u.in <- upload.WriteTask{Digest: digest, Path: path}
}

func runUpload(args []string) error {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	out := fs.String("out", "", "file to write the resulting digest to (default: stdout)")
	dryRun := fs.Bool("dry_run", false, "compute the digest without uploading anything")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: fsx upload [-out file] [-dry_run] <path>")
	}
	path := fs.Arg(0)

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("fsx: stat %s: %w", path, err)
	}

	var digest *repb.Digest
	if *dryRun {
		digest, err = computeDigest(path, info)
	} else {
		digest, err = uploadAndGetDigest(path, info)
	}
	if err != nil {
		return err
	}

	result := fmt.Sprintf("%s/%d\n", digest.Hash, digest.SizeBytes)
	if *out == "" {
		fmt.Print(result)
		return nil
	}
	return os.WriteFile(*out, []byte(result), 0o644)
}

// computeDigest walks path and computes its root digest without uploading,
// by handing traverse a no-op Uploader.
func computeDigest(path string, info os.FileInfo) (*repb.Digest, error) {
	if info.IsDir() {
		return traverse.New(noopUploader{}).RootDigest(path)
	}
	h, size, err := hashSingleFile(path)
	if err != nil {
		return nil, err
	}
	return &repb.Digest{Hash: h, SizeBytes: size}, nil
}

type noopUploader struct{}

func (noopUploader) UploadBlob(*repb.Digest, []byte) {}
func (noopUploader) UploadFile(*repb.Digest, string) {}

func hashSingleFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("fsx: opening %s: %w", path, err)
	}
	defer f.Close()
	return hash.SHA256Stream(f)
}

func uploadAndGetDigest(path string, info os.FileInfo) (*repb.Digest, error) {
	client, fetcher, err := newClientAndFetcher(path)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	// Pass a nil interface, not a nil *gitlfs.Fetcher, so the pipeline sees
	// that no LfsFetcher is configured.
	var lfsFetcher upload.LfsFetcher
	if fetcher != nil {
		lfsFetcher = fetcher
	}

	ctx := context.Background()
	pipeline := upload.New(client, lfsFetcher)
	in, done := pipeline.Start(ctx)

	var digest *repb.Digest
	if info.IsDir() {
		digest, err = traverse.New(pipelineUploader{in: in}).RootDigest(path)
	} else {
		var h string
		var size int64
		h, size, err = hashSingleFile(path)
		if err == nil {
			digest = &repb.Digest{Hash: h, SizeBytes: size}
			in <- upload.WriteTask{Digest: digest, Path: path}
		}
	}
	close(in)
	<-done

	if err != nil {
		return nil, err
	}
	return digest, nil
}

func newClientAndFetcher(path string) (*casclient.Client, *gitlfs.Fetcher, error) {
	cfg, err := casclient.ConfigFromEnv()
	if err != nil {
		return nil, nil, err
	}
	client, err := casclient.New(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("fsx: connecting to CAS: %w", err)
	}

	root, err := gitlfs.GitRoot(path)
	if err != nil {
		log.Infof("fsx: %s is not inside a git checkout, Git-LFS pointers will not be resolved: %v", path, err)
		return client, nil, nil
	}
	return client, &gitlfs.Fetcher{Root: root}, nil
}

func runDownload(args []string) error {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: fsx download <path> <digest>")
	}
	path, digestStr := fs.Arg(0), fs.Arg(1)

	hashStr, size, err := parseDigest(digestStr)
	if err != nil {
		return err
	}

	cfg, err := casclient.ConfigFromEnv()
	if err != nil {
		return err
	}
	client, err := casclient.New(cfg)
	if err != nil {
		return fmt.Errorf("fsx: connecting to CAS: %w", err)
	}
	defer client.Close()

	data, err := client.ReadBlob(context.Background(), hashStr, size)
	if err != nil {
		return fmt.Errorf("fsx: downloading %s/%d: %w", hashStr, size, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("fsx: writing %s: %w", path, err)
	}
	log.Infof("fsx: wrote %d bytes to %s", len(data), path)
	return nil
}

// runMount mounts the CAS tree identified by digest at path, by invoking
// cfsd as a subprocess and waiting for it to exit (e.g. on unmount).
func runMount(args []string) error {
	fs := flag.NewFlagSet("mount", flag.ExitOnError)
	allowOther := fs.Bool("allow_other", false, "allow users other than the mount owner to access the filesystem")
	fs.Parse(args)
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: fsx mount <path> <digest>")
	}
	path, digestStr := fs.Arg(0), fs.Arg(1)

	if _, _, err := parseDigest(digestStr); err != nil {
		return err
	}

	cfsdArgs := []string{digestStr, path}
	if *allowOther {
		cfsdArgs = append([]string{"-allow_other"}, cfsdArgs...)
	}
	cmd := exec.Command("cfsd", cfsdArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("fsx: running cfsd: %w", err)
	}
	return nil
}

func parseDigest(s string) (string, int64, error) {
	h, sizeStr, ok := strings.Cut(s, "/")
	if !ok {
		return "", 0, fmt.Errorf("fsx: malformed digest %q, want hash/size", s)
	}
	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("fsx: malformed digest size in %q: %w", s, err)
	}
	return h, size, nil
}
