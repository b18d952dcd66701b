package solana

import (
	"encoding/base64"

	bin "github.com/gagliardetto/binary"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"

	xerrors "listen-engine/internal/errors"
)

// InjectBlockhash rewrites the recent blockhash of an encoded transaction and
// re-encodes it with the same encoding. Base64 is tried first, then base58.
// Existing signatures are kept as placeholders for the signer.
func InjectBlockhash(encoded string, hash solanago.Hash) (string, error) {
	if raw, err := base64.StdEncoding.DecodeString(encoded); err == nil {
		if out, err := restamp(raw, hash); err == nil {
			return base64.StdEncoding.EncodeToString(out), nil
		}
	}
	raw, err := base58.Decode(encoded)
	if err != nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "transaction is neither base64 nor base58")
	}
	out, err := restamp(raw, hash)
	if err != nil {
		return "", err
	}
	return base58.Encode(out), nil
}

func restamp(raw []byte, hash solanago.Hash) ([]byte, error) {
	if len(raw) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "empty transaction")
	}
	tx, err := solanago.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode solana transaction")
	}
	tx.Message.RecentBlockhash = hash
	out, err := tx.MarshalBinary()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode solana transaction")
	}
	return out, nil
}
