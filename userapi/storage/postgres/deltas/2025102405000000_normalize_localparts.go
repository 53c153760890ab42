// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package deltas

import (
	"context"
	"database/sql"
	"fmt"
)

// UpNormalizeLocalparts lowercases device localparts so that token lookups
// and device listings agree with the lowercased user ids the server hands
// out.
func UpNormalizeLocalparts(ctx context.Context, tx *sql.Tx) error {
	const duplicateCheck = `
SELECT LOWER(localpart), server_name, device_id, COUNT(*)
FROM userapi_devices
GROUP BY LOWER(localpart), server_name, device_id
HAVING COUNT(*) > 1
LIMIT 1;
`
	var canonical, serverName, deviceID string
	var count int
	switch err := tx.QueryRowContext(ctx, duplicateCheck).Scan(&canonical, &serverName, &deviceID, &count); err {
	case sql.ErrNoRows:
	case nil:
		return fmt.Errorf("userapi_devices contains devices whose localparts differ only by case (localpart=%s server=%s device=%s) - deduplicate before rerunning", canonical, serverName, deviceID)
	default:
		return err
	}

	_, err := tx.ExecContext(ctx, `UPDATE userapi_devices SET localpart = LOWER(localpart) WHERE localpart <> LOWER(localpart)`)
	return err
}

func DownNormalizeLocalparts(ctx context.Context, tx *sql.Tx) error {
	return nil
}
