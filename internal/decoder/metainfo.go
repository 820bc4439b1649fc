package decoder

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"

	"github.com/WendelHime/peerwire/internal/shared/models"
	"github.com/zeebo/bencode"
)

var (
	ErrInvalidPieces      = errors.New("pieces is not a multiple of 20 bytes")
	ErrInvalidPieceLength = errors.New("piece length must be positive")
	ErrInvalidLength      = errors.New("torrent length must be positive")
	ErrPieceCountMismatch = errors.New("piece hash count does not match length")
)

type MetafileDecoder interface {
	Decode(io.Reader) (models.Metafile, error)
}

type decoder struct{}

func NewDecoder() MetafileDecoder {
	return decoder{}
}

// serialization struct the represents the structure of a .torrent file
// it is not immediately usable, so it can be converted to a Metafile struct
type bencodeTorrent struct {
	// URL of tracker server to get peers from
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	// Info is parsed as a RawMessage to ensure that the final info_hash is
	// correct even in the case of the info dictionary being an unexpected shape
	Info bencode.RawMessage `bencode:"info"`
}

func (decoder) Decode(torrent io.Reader) (models.Metafile, error) {
	var response models.Metafile
	var bt bencodeTorrent
	if err := bencode.NewDecoder(torrent).Decode(&bt); err != nil {
		return response, fmt.Errorf("decode torrent: %w", err)
	}

	response.Announce = bt.Announce
	response.AnnounceList = bt.AnnounceList
	response.InfoHash = sha1.Sum(bt.Info)
	if err := bencode.NewDecoder(bytes.NewReader(bt.Info)).Decode(&response.Info); err != nil {
		return response, fmt.Errorf("decode torrent info: %w", err)
	}

	hashes, err := splitPieceHashes(response.Info.Pieces)
	if err != nil {
		return response, err
	}
	response.Info.PiecesHashes = hashes

	return response, nil
}

func splitPieceHashes(pieces string) ([]models.Hash, error) {
	if len(pieces)%len(models.Hash{}) != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidPieces, len(pieces))
	}
	hashes := make([]models.Hash, len(pieces)/len(models.Hash{}))
	for i := range hashes {
		copy(hashes[i][:], pieces[i*len(models.Hash{}):])
	}
	return hashes, nil
}

// Validate checks that the piece geometry of a decoded metafile is consistent:
// one hash per piece, where the last piece may be short.
func Validate(meta models.Metafile) error {
	if meta.Info.PieceLength <= 0 {
		return ErrInvalidPieceLength
	}
	total := meta.Info.TotalLength()
	if total <= 0 {
		return ErrInvalidLength
	}
	if want := (total + meta.Info.PieceLength - 1) / meta.Info.PieceLength; int64(len(meta.Info.PiecesHashes)) != want {
		return fmt.Errorf("%w: %d hashes for %d pieces", ErrPieceCountMismatch, len(meta.Info.PiecesHashes), want)
	}
	return nil
}
