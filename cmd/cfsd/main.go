// Binary cfsd mounts a CAS directory tree, identified by a root digest, as
// a read-only FUSE filesystem.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	log "github.com/golang/glog"

	"github.com/leakingtapan/cfs/casclient"
	"github.com/leakingtapan/cfs/cfsfs"
	"github.com/leakingtapan/cfs/mountcheck"
)

var (
	allowOther = flag.Bool("allow_other", false, "allow users other than the mount owner to access the filesystem")
	debug      = flag.Bool("debug", false, "enable go-fuse request tracing")
)

func parseDigest(s string) (hash string, size int64, err error) {
	hash, sizeStr, ok := strings.Cut(s, "/")
	if !ok {
		return "", 0, fmt.Errorf("malformed digest %q, want hash/size", s)
	}
	size, err = strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed digest size in %q: %w", s, err)
	}
	return hash, size, nil
}

func main() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Parse()

	if flag.NArg() != 2 {
		log.Exit("usage: cfsd <digest> <mount_point>")
	}
	hash, size, err := parseDigest(flag.Arg(0))
	if err != nil {
		log.Exitf("invalid digest: %v", err)
	}
	mountPoint := flag.Arg(1)

	if err := mountcheck.ValidateMountPoint(mountPoint); err != nil {
		log.Exitf("invalid mount point: %v", err)
	}

	cfg, err := casclient.ConfigFromEnv()
	if err != nil {
		log.Exitf("loading CAS config: %v", err)
	}

	client, err := casclient.New(cfg)
	if err != nil {
		log.Exitf("connecting to CAS: %v", err)
	}
	defer client.Close()

	cache := casclient.NewCacheClient(client)
	root := cfsfs.New(cache, hash, size)

	server, err := cfsfs.Mount(mountPoint, root, cfsfs.MountOptions{
		AllowOther: *allowOther,
		Debug:      *debug,
	})
	if err != nil {
		log.Exitf("mount failed: %v", err)
	}
	log.Infof("cfs mounted at %s, digest %s/%d", mountPoint, hash, size)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("received signal, unmounting")
		if err := server.Unmount(); err != nil {
			log.Infof("clean unmount failed: %v, attempting lazy unmount", err)
			if err := syscall.Unmount(mountPoint, syscall.MNT_DETACH); err != nil {
				log.Infof("lazy unmount failed: %v", err)
			}
		}
	}()

	server.Wait()
	log.Infof("unmounted %s", mountPoint)
}
