package models

import "encoding/hex"

type Metafile struct {
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	Info         Info       `bencode:"info"`
	InfoHash     Hash       `bencode:"-"`
}

type Info struct {
	Name         string `bencode:"name"`
	Length       int64  `bencode:"length"`
	PieceLength  int64  `bencode:"piece length"`
	Pieces       string `bencode:"pieces"`
	PiecesHashes []Hash `bencode:"-"`
	Files        []File `bencode:"files,omitempty"`
}

type File struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// TotalLength is the single-file length, or the sum of all file lengths.
func (i Info) TotalLength() int64 {
	if i.Length > 0 {
		return i.Length
	}
	var total int64
	for _, f := range i.Files {
		total += f.Length
	}
	return total
}

// Hash is a SHA-1 digest: the info-hash of a torrent or the expected hash of a piece.
type Hash [20]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}
