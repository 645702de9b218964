// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package downloader fetches and extracts dataset archives, with a progress
// bar and checksum validation.
package downloader

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// progressWriter forwards writes to w while advancing a progress bar. It
// needs the content length up-front to size the bar.
type progressWriter struct {
	w   io.Writer
	bar *progressbar.ProgressBar

	unit, written, unitsAdded, unitsTotal int64
}

func newProgressWriter(w io.Writer, contentLength int64) *progressWriter {
	pw := &progressWriter{w: w, unit: 1}
	for contentLength > pw.unit*1024*1024 {
		pw.unit *= 1024
	}
	pw.unitsTotal = (contentLength + pw.unit - 1) / pw.unit
	pw.bar = progressbar.NewOptions(int(pw.unitsTotal),
		progressbar.OptionSetDescription(fsutil.ByteCountIEC(contentLength)),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
	return pw
}

// Write implements io.Writer.
func (pw *progressWriter) Write(p []byte) (n int, err error) {
	n, err = pw.w.Write(p)
	pw.written += int64(n)
	if units := pw.written / pw.unit; units > pw.unitsAdded {
		_ = pw.bar.Add(int(units - pw.unitsAdded))
		pw.unitsAdded = units
	}
	return
}

func (pw *progressWriter) close() {
	if pw.unitsAdded < pw.unitsTotal {
		_ = pw.bar.Add(int(pw.unitsTotal - pw.unitsAdded))
	}
	_ = pw.bar.Close()
	fmt.Println()
}

// Download the url and save it at filePath, creating the directory if
// needed. It returns the number of bytes downloaded.
func Download(url, filePath string, showProgressBar bool) (size int64, err error) {
	filePath = fsutil.MustReplaceTildeInDir(filePath)
	if err = os.MkdirAll(path.Dir(filePath), 0777); err != nil && !os.IsExist(err) {
		return 0, errors.Wrapf(err, "failed to create directory %q", path.Dir(filePath))
	}
	file, err := os.Create(filePath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed creating file %q", filePath)
	}
	client := http.Client{
		CheckRedirect: func(r *http.Request, via []*http.Request) error {
			r.URL.Opaque = r.URL.Path
			return nil
		},
	}
	resp, err := client.Get(url)
	if err != nil {
		return 0, errors.Wrapf(err, "failed downloading %q", url)
	}

	if showProgressBar {
		pw := newProgressWriter(file, resp.ContentLength)
		size, err = io.Copy(pw, resp.Body)
		pw.close()
	} else {
		size, err = io.Copy(file, resp.Body)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "downloading %q to %q", url, filePath)
	}
	if err = file.Close(); err != nil {
		return 0, errors.Wrapf(err, "failed closing %q", filePath)
	}
	if err = resp.Body.Close(); err != nil {
		return 0, errors.Wrapf(err, "failed closing connection to %q", url)
	}
	return size, nil
}

// DownloadIfMissing downloads the url to filePath if the file doesn't exist
// yet. If checkHash is not empty, the file contents must match the SHA256
// checksum or it fails.
func DownloadIfMissing(url, filePath, checkHash string) error {
	filePath = fsutil.MustReplaceTildeInDir(filePath)
	if !fsutil.MustFileExists(filePath) {
		fmt.Printf("Downloading %s ...\n", url)
		if _, err := Download(url, filePath, true); err != nil {
			return err
		}
	}
	if checkHash == "" {
		return nil
	}
	return fsutil.ValidateChecksum(filePath, checkHash)
}

// Untar the file under baseDir, decompressing according to the suffix: .gz
// and .tgz for gzip, .bz2 for bzip2.
func Untar(baseDir, tarFile string) error {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	compressionFlag := ""
	if strings.HasSuffix(tarFile, ".gz") || strings.HasSuffix(tarFile, ".tgz") {
		compressionFlag = "z"
	} else if strings.HasSuffix(tarFile, ".bz2") {
		compressionFlag = "j"
	}
	cmd := exec.Command("tar", fmt.Sprintf("x%sf", compressionFlag), tarFile)
	cmd.Dir = baseDir
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "failed to run %q", cmd)
	}
	return nil
}

// DownloadAndUntarIfMissing downloads tarFile from the url and untars it
// under baseDir, skipping whatever already exists: the download if tarFile
// is present, everything if targetUntarDir is present.
//
// If checkHash is not empty, the tarFile contents must match the SHA256
// checksum or it fails.
func DownloadAndUntarIfMissing(url, baseDir, tarFile, targetUntarDir, checkHash string) error {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	if !path.IsAbs(tarFile) {
		tarFile = path.Join(baseDir, tarFile)
	}
	if !path.IsAbs(targetUntarDir) {
		targetUntarDir = path.Join(baseDir, targetUntarDir)
	}
	if fsutil.MustFileExists(targetUntarDir) {
		return nil
	}
	if err := DownloadIfMissing(url, tarFile, checkHash); err != nil {
		return err
	}
	if err := Untar(baseDir, tarFile); err != nil {
		return err
	}
	if !fsutil.MustFileExists(targetUntarDir) {
		return errors.Errorf("downloaded from %q and untar'ed %q, but didn't get directory %q", url, tarFile, targetUntarDir)
	}
	return nil
}
